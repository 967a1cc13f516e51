package server

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// DeleteResult describes a completed deletion
type DeleteResult struct {
	Record *FileRecord

	// CatalogErr is set when the blob was removed but the record was not.
	// The deletion still counts as successful; the next listing removes the
	// record.
	CatalogErr error
}

// Delete removes the blob of a file and then its catalog record. A blob
// removal failure fails the call and leaves the record in place. A catalog
// failure after the blob is gone does not.
func (s *FileService) Delete(ctx context.Context, fileID, callerID string) (result *DeleteResult, err error) {
	const op = "delete"
	start := time.Now()

	ctx, cancel := s.detach(ctx)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "FileService.Delete")
	defer func() {
		endSpan(span, err)
		s.metrics.observe(op, start, err)
	}()
	span.SetAttributes(attribute.String("file.id", fileID))

	record, err := s.lookup(ctx, op, fileID, false)
	if err != nil {
		return nil, err
	}

	log := s.logger(ctx).WithFields(logrus.Fields{
		"file_id":  fileID,
		"blob_key": record.BlobKey,
		"caller":   callerID,
	})

	if Authorize(record, callerID, ActionDelete) == Denied {
		log.Warn("deletion denied")
		return nil, newError(op, KindAccessDenied, fmt.Errorf("file %s is not owned by the caller", fileID))
	}

	if err := s.blobs.Remove(ctx, []string{record.BlobKey}); err != nil {
		log.WithError(err).Error("blob removal failed")
		return nil, newError(op, KindStorageDeleteFailed, err)
	}

	if err := s.cache.DeleteRecord(ctx, fileID); err != nil {
		log.WithError(err).Warn("cache invalidation failed")
	}

	result = &DeleteResult{Record: record}
	if err := s.catalog.DeleteByID(ctx, fileID); err != nil {
		s.metrics.catalogDeleteFailures.Inc()
		log.WithError(err).Error("blob removed but catalog delete failed")
		result.CatalogErr = newError(op, KindCatalogDeleteFailed, err)
		return result, nil
	}

	log.Info("file deleted")
	return result, nil
}
