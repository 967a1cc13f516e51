package server

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// FileServiceConfig configures a FileService. Zero values fall back to the
// defaults of applyDefaults; nil collaborators fall back to no-op ones.
type FileServiceConfig struct {
	MaxUploadSize        int64
	AllowedTypes         []string
	SignedURLTTL         time.Duration
	OperationTimeout     time.Duration
	ReconcileParallelism int
	ReconcileGrace       time.Duration

	Cache   Cache
	Logger  *logrus.Entry
	Metrics *Metrics
	Tracer  trace.Tracer
	Now     func() time.Time
}

// FileService owns the lifecycle of uploaded files across the blob store
// and the catalog
type FileService struct {
	blobs   BlobStore
	catalog Catalog
	cache   Cache

	maxUploadSize  int64
	allowedTypes   map[string]bool
	signedURLTTL   time.Duration
	opTimeout      time.Duration
	parallelism    int
	reconcileGrace time.Duration

	log     *logrus.Entry
	metrics *Metrics
	tracer  trace.Tracer
	now     func() time.Time
	keys    *keyGenerator
}

// NewFileService creates a file service over the given stores
func NewFileService(blobs BlobStore, catalog Catalog, cfg FileServiceConfig) *FileService {
	s := &FileService{
		blobs:          blobs,
		catalog:        catalog,
		cache:          cfg.Cache,
		maxUploadSize:  cfg.MaxUploadSize,
		allowedTypes:   make(map[string]bool),
		signedURLTTL:   cfg.SignedURLTTL,
		opTimeout:      cfg.OperationTimeout,
		parallelism:    cfg.ReconcileParallelism,
		reconcileGrace: cfg.ReconcileGrace,
		log:            cfg.Logger,
		metrics:        cfg.Metrics,
		tracer:         cfg.Tracer,
		now:            cfg.Now,
	}

	if s.cache == nil {
		s.cache = &NoOpCache{}
	}
	if s.maxUploadSize == 0 {
		s.maxUploadSize = 5 << 20
	}
	allowed := cfg.AllowedTypes
	if len(allowed) == 0 {
		allowed = DefaultAllowedTypes
	}
	for _, t := range allowed {
		s.allowedTypes[strings.ToLower(strings.TrimSpace(t))] = true
	}
	if s.signedURLTTL == 0 {
		s.signedURLTTL = 60 * time.Second
	}
	if s.parallelism == 0 {
		s.parallelism = 8
	}
	if s.log == nil {
		logger := logrus.New()
		logger.SetLevel(logrus.PanicLevel)
		s.log = logrus.NewEntry(logger)
	}
	s.log = s.log.WithField("component", "files")
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	if s.tracer == nil {
		s.tracer = noop.NewTracerProvider().Tracer(tracerName)
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.keys = &keyGenerator{now: s.now}

	return s
}

// Close releases the catalog and cache connections
func (s *FileService) Close(ctx context.Context) error {
	return errors.Join(s.catalog.Close(ctx), s.cache.Close())
}

// AllowedTypes returns the accepted upload MIME types, sorted
func (s *FileService) AllowedTypes() []string {
	types := make([]string, 0, len(s.allowedTypes))
	for t := range s.allowedTypes {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Allows reports whether an upload of mimeType would pass the allow-list
func (s *FileService) Allows(mimeType string) bool {
	mediaType, err := normalizeMimeType(mimeType)
	return err == nil && s.allowedTypes[mediaType]
}

// MaxUploadSize is the largest accepted upload in bytes
func (s *FileService) MaxUploadSize() int64 {
	return s.maxUploadSize
}

// detach shields an operation from the caller's cancellation so it never
// stops between the two stores, and bounds it with the operation timeout
func (s *FileService) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if s.opTimeout > 0 {
		return context.WithTimeout(ctx, s.opTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *FileService) logger(ctx context.Context) *logrus.Entry {
	entry := s.log.WithContext(ctx)
	if id := RequestIDFrom(ctx); id != "" {
		entry = entry.WithField("request_id", id)
	}
	return entry
}

// lookup finds a record, consulting the cache first when useCache is set.
// Misses are not written back; only Upload populates the cache.
func (s *FileService) lookup(ctx context.Context, op, id string, useCache bool) (*FileRecord, error) {
	if useCache {
		record, err := s.cache.GetRecord(ctx, id)
		if err == nil {
			return record, nil
		}
		if !errors.Is(err, ErrNotFound) {
			s.logger(ctx).WithError(err).WithField("file_id", id).Warn("cache read failed")
		}
	}

	record, err := s.catalog.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, newError(op, KindNotFound, err)
		}
		return nil, newError(op, KindCatalogReadFailed, err)
	}

	return record, nil
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9.-]`)

// sanitizeName makes a client file name safe to use inside a blob key
func sanitizeName(name string) string {
	return url.PathEscape(unsafeNameChars.ReplaceAllString(name, "_"))
}

// keyGenerator issues blob keys prefixed with a millisecond token that is
// strictly increasing within the process
type keyGenerator struct {
	last atomic.Int64
	now  func() time.Time
}

func (g *keyGenerator) token() int64 {
	for {
		last := g.last.Load()
		next := g.now().UnixMilli()
		if next <= last {
			next = last + 1
		}
		if g.last.CompareAndSwap(last, next) {
			return next
		}
	}
}

func (g *keyGenerator) next(originalName string) string {
	return fmt.Sprintf("%d_%s", g.token(), sanitizeName(originalName))
}

// normalizeMimeType strips parameters and lower-cases the media type
func normalizeMimeType(mimeType string) (string, error) {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return "", fmt.Errorf("invalid mime type %q: %w", mimeType, err)
	}
	return strings.ToLower(mediaType), nil
}
