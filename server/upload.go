package server

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// UploadInput is one file handed to Upload
type UploadInput struct {
	Data         []byte
	OriginalName string
	MimeType     string
	SizeBytes    int64

	// OwnerID is the uploading caller; empty means anonymous
	OwnerID string
}

// Upload writes the bytes to the blob store and then registers the file in
// the catalog. The two writes are not transactional: a catalog failure
// leaves an unregistered blob behind, reported as KindCatalogWriteFailed
// with the blob key, and the blob is deliberately not deleted here.
func (s *FileService) Upload(ctx context.Context, in UploadInput) (record *FileRecord, err error) {
	const op = "upload"
	start := time.Now()

	ctx, cancel := s.detach(ctx)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "FileService.Upload")
	defer func() {
		endSpan(span, err)
		s.metrics.observe(op, start, err)
	}()

	mimeType, err := s.validateUpload(in)
	if err != nil {
		return nil, newError(op, KindValidation, err)
	}

	owner := in.OwnerID
	if owner == "" {
		owner = AnonymousOwner
	}

	key := s.keys.next(in.OriginalName)
	span.SetAttributes(attribute.String("blob.key", key), attribute.Int64("blob.size", in.SizeBytes))
	log := s.logger(ctx).WithFields(logrus.Fields{
		"blob_key": key,
		"owner":    owner,
		"size":     in.SizeBytes,
	})

	blob, err := s.blobs.Put(ctx, key, in.Data, mimeType)
	if err != nil {
		log.WithError(err).Error("blob upload failed")
		return nil, newError(op, KindUploadFailed, err)
	}

	record, err = s.catalog.Insert(ctx, &FileRecord{
		BlobKey:      blob.Key,
		PublicURL:    blob.PublicURL,
		OriginalName: in.OriginalName,
		MimeType:     mimeType,
		SizeBytes:    in.SizeBytes,
		OwnerID:      owner,
	})
	if err != nil {
		s.metrics.orphanedBlobs.Inc()
		log.WithError(err).Warn("catalog insert failed, blob left unregistered")
		return nil, &Error{Op: op, Kind: KindCatalogWriteFailed, BlobKey: blob.Key, Err: err}
	}

	if err := s.cache.SetRecord(ctx, record); err != nil {
		log.WithError(err).Warn("cache write failed")
	}

	log.WithField("file_id", record.ID).Info("file uploaded")
	return record, nil
}

func (s *FileService) validateUpload(in UploadInput) (string, error) {
	if len(in.Data) == 0 {
		return "", fmt.Errorf("file is empty")
	}
	if in.OriginalName == "" {
		return "", fmt.Errorf("original name is required")
	}
	if in.SizeBytes < 0 {
		return "", fmt.Errorf("size must not be negative")
	}
	if in.SizeBytes != int64(len(in.Data)) {
		return "", fmt.Errorf("declared size %d does not match %d bytes received", in.SizeBytes, len(in.Data))
	}
	if in.SizeBytes > s.maxUploadSize {
		return "", fmt.Errorf("file size %d exceeds the %d byte limit", in.SizeBytes, s.maxUploadSize)
	}

	mimeType, err := normalizeMimeType(in.MimeType)
	if err != nil {
		return "", err
	}
	if !s.allowedTypes[mimeType] {
		return "", fmt.Errorf("file type %s is not allowed", mimeType)
	}

	return mimeType, nil
}
