package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"krakenbot/internal/domain"
)

// BarArchiveStore is the slice of the bar store the archiver needs: reading
// and pruning bars older than a cutoff.
type BarArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.PriceBar, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// PositionArchiveStore is the slice of the position store the archiver
// needs: reading and pruning closed positions older than a cutoff.
type PositionArchiveStore interface {
	ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error)
	DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error)
}

// Archiver moves old price bars and closed positions from the database to
// object storage as JSONL files. Records are deleted from the primary store
// only after the upload succeeded.
type Archiver struct {
	writer    domain.BlobWriter
	bars      BarArchiveStore
	positions PositionArchiveStore
	audit     domain.AuditStore
	logger    *slog.Logger

	retentionDays int
}

// NewArchiver creates an Archiver that keeps retentionDays of data hot.
func NewArchiver(
	writer domain.BlobWriter,
	bars BarArchiveStore,
	positions PositionArchiveStore,
	audit domain.AuditStore,
	retentionDays int,
	logger *slog.Logger,
) *Archiver {
	return &Archiver{
		writer:        writer,
		bars:          bars,
		positions:     positions,
		audit:         audit,
		retentionDays: retentionDays,
		logger:        logger.With(slog.String("component", "archiver")),
	}
}

// Run executes a single archive pass as of now.
func (a *Archiver) Run(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
	a.logger.InfoContext(ctx, "archive run started",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays))

	barsArchived, err := a.ArchiveBars(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("s3blob: archive bars before %v: %w", cutoff, err)
	}
	positionsArchived, err := a.ArchivePositions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("s3blob: archive positions before %v: %w", cutoff, err)
	}

	a.logger.InfoContext(ctx, "archive run complete",
		slog.Int64("bars_archived", barsArchived),
		slog.Int64("positions_archived", positionsArchived))
	return nil
}

// ArchiveBars uploads all price bars older than the cutoff to
// archive/bars/YYYY-MM.jsonl and then deletes them from the primary store.
// Returns the number of records archived.
func (a *Archiver) ArchiveBars(ctx context.Context, before time.Time) (int64, error) {
	bars, err := a.bars.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("query bars: %w", err)
	}
	if len(bars) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(bars)
	if err != nil {
		return 0, fmt.Errorf("marshal bars: %w", err)
	}
	path := archivePath("bars", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("upload bars: %w", err)
	}

	deleted, err := a.bars.DeleteBefore(ctx, before)
	if err != nil {
		return int64(len(bars)), fmt.Errorf("prune bars: %w", err)
	}

	count := int64(len(bars))
	if err := a.audit.Log(ctx, "archive.bars", map[string]any{
		"path":    path,
		"count":   count,
		"deleted": deleted,
		"before":  before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("audit log: %w", err)
	}
	return count, nil
}

// ArchivePositions uploads all closed positions older than the cutoff to
// archive/positions/YYYY-MM.jsonl and then deletes them from the primary
// store. Open positions are never archived. Returns the number of records
// archived.
func (a *Archiver) ArchivePositions(ctx context.Context, before time.Time) (int64, error) {
	positions, err := a.positions.ListClosedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("query positions: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(positions)
	if err != nil {
		return 0, fmt.Errorf("marshal positions: %w", err)
	}
	path := archivePath("positions", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("upload positions: %w", err)
	}

	deleted, err := a.positions.DeleteClosedBefore(ctx, before)
	if err != nil {
		return int64(len(positions)), fmt.Errorf("prune positions: %w", err)
	}

	count := int64(len(positions))
	if err := a.audit.Log(ctx, "archive.positions", map[string]any{
		"path":    path,
		"count":   count,
		"deleted": deleted,
		"before":  before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("audit log: %w", err)
	}
	return count, nil
}

// archivePath builds the object key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/bars/2025-01.jsonl
//	archive/positions/2025-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
