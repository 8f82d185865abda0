// Package archive exports sealed ledger months to object storage. An export
// is a zip holding the month's events plus a manifest with the batch roots
// and a checksum, enough to verify the archive offline against the signed
// Merkle commitments.
package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/caracal-sh/caracal/pkg/contracts"
	"github.com/caracal-sh/caracal/pkg/store"
)

// ObjectStore is the object-storage surface the exporter needs. The S3
// implementation lives in s3.go; tests use a map-backed fake.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Manifest describes one exported month.
type Manifest struct {
	Partition     int32     `json:"partition"`
	Month         string    `json:"month"` // "2026-08"
	FirstEventID  int64     `json:"first_event_id"`
	LastEventID   int64     `json:"last_event_id"`
	EventCount    int       `json:"event_count"`
	EventsSHA256  string    `json:"events_sha256"`
	BatchRoots    []string  `json:"batch_roots"` // hex, in batch order
	SealedThrough int64     `json:"sealed_through"`
	ExportedAt    time.Time `json:"exported_at"`
}

// Exporter writes monthly archives.
type Exporter struct {
	st    store.Store
	objs  ObjectStore
	log   *slog.Logger
	clock func() time.Time
}

func NewExporter(st store.Store, objs ObjectStore, log *slog.Logger) *Exporter {
	if log == nil {
		log = slog.Default()
	}
	return &Exporter{st: st, objs: objs, log: log.With("component", "archive"), clock: time.Now}
}

// Key returns the object key for a partition's monthly archive.
func Key(partition int32, month time.Time) string {
	return fmt.Sprintf("caracal/ledger/%d/%s.zip", partition, month.UTC().Format("2006-01"))
}

const exportChunk = 1024

// ExportMonth archives every event of the month containing ref. Existing
// archives are not overwritten; re-running an export is a no-op. Only events
// below the sealed high-water mark are eligible, so every archived event is
// covered by a signed batch.
func (e *Exporter) ExportMonth(ctx context.Context, partition int32, ref time.Time) (*Manifest, error) {
	monthStart := time.Date(ref.UTC().Year(), ref.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, 0)
	key := Key(partition, monthStart)

	if ok, err := e.objs.Exists(ctx, key); err != nil {
		return nil, fmt.Errorf("check archive %s: %w", key, err)
	} else if ok {
		e.log.Info("archive already exists", "key", key)
		return nil, nil
	}

	hwm, err := e.st.SealedHighWaterMark(ctx, partition)
	if err != nil {
		return nil, fmt.Errorf("high-water mark: %w", err)
	}
	events, err := e.collectMonth(ctx, partition, hwm, monthStart, monthEnd)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		e.log.Info("nothing to archive", "partition", partition, "month", monthStart.Format("2006-01"))
		return nil, nil
	}
	if events[len(events)-1].ID > hwm {
		return nil, fmt.Errorf("archive %s: month extends past sealed id %d", key, hwm)
	}

	eventsJSON, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode events: %w", err)
	}
	sum := sha256.Sum256(eventsJSON)

	first, last := events[0].ID, events[len(events)-1].ID
	batches, err := e.st.BatchesInRange(ctx, partition, first, last)
	if err != nil {
		return nil, fmt.Errorf("load batches: %w", err)
	}
	roots := make([]string, len(batches))
	for i := range batches {
		roots[i] = hex.EncodeToString(batches[i].RootHash)
	}

	manifest := &Manifest{
		Partition:     partition,
		Month:         monthStart.Format("2006-01"),
		FirstEventID:  first,
		LastEventID:   last,
		EventCount:    len(events),
		EventsSHA256:  hex.EncodeToString(sum[:]),
		BatchRoots:    roots,
		SealedThrough: hwm,
		ExportedAt:    e.clock().UTC(),
	}

	payload, err := buildZip(eventsJSON, manifest)
	if err != nil {
		return nil, err
	}
	if err := e.objs.Put(ctx, key, payload, "application/zip"); err != nil {
		return nil, fmt.Errorf("upload %s: %w", key, err)
	}
	e.log.Info("month archived",
		"key", key, "events", len(events), "first", first, "last", last)
	return manifest, nil
}

// collectMonth scans sealed events and keeps those timestamped inside the
// month. Ids stay contiguous because the ledger is append-only and event
// timestamps are assigned at append time.
func (e *Exporter) collectMonth(ctx context.Context, partition int32, hwm int64, start, end time.Time) ([]contracts.LedgerEvent, error) {
	startMs, endMs := start.UnixMilli(), end.UnixMilli()
	var out []contracts.LedgerEvent
	for first := int64(1); first <= hwm; first += exportChunk {
		last := first + exportChunk - 1
		if last > hwm {
			last = hwm
		}
		events, err := e.st.EventsInRange(ctx, partition, first, last)
		if err != nil {
			return nil, fmt.Errorf("events [%d,%d]: %w", first, last, err)
		}
		for _, ev := range events {
			if ev.TSMillis >= startMs && ev.TSMillis < endMs {
				out = append(out, ev)
			}
		}
	}
	return out, nil
}

func buildZip(eventsJSON []byte, manifest *Manifest) ([]byte, error) {
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range []struct {
		name string
		data []byte
	}{
		{"events.json", eventsJSON},
		{"manifest.json", manifestJSON},
	} {
		w, err := zw.Create(f.name)
		if err != nil {
			return nil, fmt.Errorf("zip entry %s: %w", f.name, err)
		}
		if _, err := w.Write(f.data); err != nil {
			return nil, fmt.Errorf("zip write %s: %w", f.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize zip: %w", err)
	}
	return buf.Bytes(), nil
}
