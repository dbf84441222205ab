package service

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunoki/marketd/internal/domain"
)

// multipartThreshold switches archive uploads to the multipart path once the
// serialized ledger exceeds 8 MiB.
const multipartThreshold = 8 * 1024 * 1024

// archivePageSize bounds each ledger read while assembling an export.
const archivePageSize = 1000

// ArchiveResult reports a completed export.
type ArchiveResult struct {
	Path    string
	Records int
	Bytes   int
}

// Archiver exports a settled market's full ledger as JSONL to object
// storage. Records are never deleted from the primary store; the archive is
// a cold copy, not a migration.
type Archiver struct {
	markets domain.MarketStore
	ledger  domain.LedgerStore
	writer  domain.BlobWriter
	logger  *slog.Logger
}

// NewArchiver creates an Archiver with all required dependencies.
func NewArchiver(
	markets domain.MarketStore,
	ledger domain.LedgerStore,
	writer domain.BlobWriter,
	logger *slog.Logger,
) *Archiver {
	return &Archiver{
		markets: markets,
		ledger:  ledger,
		writer:  writer,
		logger:  logger,
	}
}

// ArchiveMarket exports one settled market. It returns ErrInvalidState if
// the market is not settled yet: an archive of a live ledger would go stale
// immediately.
func (a *Archiver) ArchiveMarket(ctx context.Context, marketID string) (ArchiveResult, error) {
	m, err := a.markets.GetByID(ctx, marketID)
	if err != nil {
		return ArchiveResult{}, err
	}
	if m.Status != domain.MarketStatusSettled {
		return ArchiveResult{}, domain.ErrInvalidState
	}

	var buf bytes.Buffer
	count := 0
	for offset := 0; ; offset += archivePageSize {
		recs, err := a.ledger.ListByMarket(ctx, marketID, "", domain.ListOpts{
			Limit:  archivePageSize,
			Offset: offset,
		})
		if err != nil {
			return ArchiveResult{}, fmt.Errorf("archive: read ledger: %w", err)
		}
		for _, r := range recs {
			line, err := marshalRecord(r)
			if err != nil {
				return ArchiveResult{}, fmt.Errorf("archive: marshal record %d: %w", r.ID, err)
			}
			buf.Write(line)
			buf.WriteByte('\n')
		}
		count += len(recs)
		if len(recs) < archivePageSize {
			break
		}
	}

	path := fmt.Sprintf("archive/markets/%s/%s.jsonl", marketID, time.Now().UTC().Format("2006-01-02"))
	size := buf.Len()

	if size > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, &buf, 0)
	} else {
		err = a.writer.Put(ctx, path, &buf, "application/x-ndjson")
	}
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("archive: upload: %w", err)
	}

	a.logger.Info("market ledger archived",
		"market_id", marketID, "path", path, "records", count, "bytes", size)

	return ArchiveResult{Path: path, Records: count, Bytes: size}, nil
}
