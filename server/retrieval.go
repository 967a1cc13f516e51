package server

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// SignedURL is a short-lived link to the bytes of a file
type SignedURL struct {
	URL       string
	ExpiresAt time.Time
}

// Retrieve authorizes callerID against the file and mints a signed URL for
// its blob. No bytes pass through the service.
func (s *FileService) Retrieve(ctx context.Context, fileID, callerID string) (signed *SignedURL, err error) {
	const op = "retrieve"
	start := time.Now()

	ctx, cancel := s.detach(ctx)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "FileService.Retrieve")
	defer func() {
		endSpan(span, err)
		s.metrics.observe(op, start, err)
	}()
	span.SetAttributes(attribute.String("file.id", fileID))

	record, err := s.lookup(ctx, op, fileID, true)
	if err != nil {
		return nil, err
	}

	log := s.logger(ctx).WithFields(logrus.Fields{
		"file_id": fileID,
		"caller":  callerID,
	})

	if Authorize(record, callerID, ActionRetrieve) == Denied {
		log.Warn("retrieval denied")
		return nil, newError(op, KindAccessDenied, fmt.Errorf("file %s is not owned by the caller", fileID))
	}

	issued := s.now()
	url, err := s.blobs.SignedURL(ctx, record.BlobKey, s.signedURLTTL)
	if err != nil {
		log.WithError(err).Error("signing failed")
		return nil, newError(op, KindSigningFailed, err)
	}

	log.Debug("signed url issued")
	return &SignedURL{URL: url, ExpiresAt: issued.Add(s.signedURLTTL)}, nil
}
