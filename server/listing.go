package server

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// VisibleFile is a catalog record whose blob exists, as shown in listings
type VisibleFile struct {
	*FileRecord
	DownloadURL string `json:"downloadUrl"`
}

// DownloadPath is the indirect download endpoint of a file
func DownloadPath(id string) string {
	return "/download/" + id
}

// ListVisible returns the records whose blobs exist, newest first, and
// removes stale records (blob gone) from the catalog on the way. A failing
// blob listing fails the call: unreconciled records are never returned.
// Stale removal is best effort and never fails the call.
func (s *FileService) ListVisible(ctx context.Context) (visible []VisibleFile, err error) {
	const op = "list"
	start := time.Now()

	ctx, cancel := s.detach(ctx)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "FileService.ListVisible")
	defer func() {
		endSpan(span, err)
		s.metrics.observe(op, start, err)
	}()

	snapshot := s.now()
	keys, err := s.blobs.List(ctx)
	if err != nil {
		return nil, newError(op, KindListingUnavailable, err)
	}

	records, err := s.catalog.FindAll(ctx)
	if err != nil {
		return nil, newError(op, KindListingUnavailable, err)
	}

	present := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		present[key] = struct{}{}
	}

	// A record inserted after the blob snapshot may belong to an upload whose
	// blob was written after the listing; it is hidden now and judged later.
	cutoff := snapshot.Add(-s.reconcileGrace)

	visible = make([]VisibleFile, 0, len(records))
	var stale []*FileRecord
	deferred := 0
	for _, record := range records {
		if _, ok := present[record.BlobKey]; ok {
			visible = append(visible, VisibleFile{
				FileRecord:  record,
				DownloadURL: DownloadPath(record.ID),
			})
			continue
		}
		if record.CreatedAt.After(cutoff) {
			deferred++
			continue
		}
		stale = append(stale, record)
	}

	span.SetAttributes(
		attribute.Int("files.visible", len(visible)),
		attribute.Int("files.stale", len(stale)),
		attribute.Int("files.deferred", deferred),
	)

	if len(stale) > 0 {
		s.removeStale(ctx, stale)
	}

	return visible, nil
}

// removeStale deletes stale records in a bounded fan-out. Every task is
// independent: a failure is logged and counted, siblings keep going.
func (s *FileService) removeStale(ctx context.Context, stale []*FileRecord) {
	var g errgroup.Group
	if s.parallelism > 0 {
		g.SetLimit(s.parallelism)
	}

	var removed, failed atomic.Int64
	for _, record := range stale {
		record := record
		g.Go(func() error {
			log := s.logger(ctx).WithFields(logrus.Fields{
				"file_id":  record.ID,
				"blob_key": record.BlobKey,
			})

			if err := s.cache.DeleteRecord(ctx, record.ID); err != nil {
				log.WithError(err).Warn("cache invalidation failed")
			}

			err := s.catalog.DeleteByID(ctx, record.ID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				failed.Add(1)
				s.metrics.staleRemoveFailures.Inc()
				log.WithError(err).Warn("failed to remove stale record")
				return nil
			}

			removed.Add(1)
			s.metrics.staleRemoved.Inc()
			log.Info("removed stale record, blob no longer exists")
			return nil
		})
	}
	_ = g.Wait()

	s.logger(ctx).WithFields(logrus.Fields{
		"removed": removed.Load(),
		"failed":  failed.Load(),
	}).Info("reconciled stale records")
}
