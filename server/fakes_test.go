package server

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// memBlobStore is an in-memory BlobStore with failure injection
type memBlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte

	putErr    error
	listErr   error
	removeErr error
	signErr   error

	removeCalls int
}

func newMemBlobStore() *memBlobStore {
	return &memBlobStore{objects: make(map[string][]byte)}
}

func (m *memBlobStore) Put(ctx context.Context, key string, data []byte, contentType string) (*BlobObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return nil, m.putErr
	}
	if _, ok := m.objects[key]; ok {
		return nil, fmt.Errorf("put %s: %w", key, ErrBlobExists)
	}
	m.objects[key] = append([]byte(nil), data...)
	return &BlobObject{Key: key, PublicURL: "https://blobs.test/uploads/" + key}, nil
}

func (m *memBlobStore) List(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	keys := make([]string, 0, len(m.objects))
	for key := range m.objects {
		keys = append(keys, key)
	}
	return keys, nil
}

func (m *memBlobStore) Remove(ctx context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeCalls++
	if m.removeErr != nil {
		return m.removeErr
	}
	for _, key := range keys {
		delete(m.objects, key)
	}
	return nil
}

func (m *memBlobStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.signErr != nil {
		return "", m.signErr
	}
	return fmt.Sprintf("https://blobs.test/uploads/%s?expires=%d", key, int(ttl.Seconds())), nil
}

func (m *memBlobStore) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

// drop removes a blob behind the service's back
func (m *memBlobStore) drop(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
}

// memCatalog is an in-memory Catalog with failure injection
type memCatalog struct {
	mu      sync.Mutex
	records map[string]*FileRecord
	seq     int
	now     func() time.Time

	insertErr  error
	findErr    error
	findAllErr error
	deleteErrs map[string]error

	findCalls   int
	deleteCalls int

	// afterFind runs once a FindByID has read its record, outside the lock
	afterFind func(id string)
}

func newMemCatalog(now func() time.Time) *memCatalog {
	return &memCatalog{
		records:    make(map[string]*FileRecord),
		now:        now,
		deleteErrs: make(map[string]error),
	}
}

func (c *memCatalog) Insert(ctx context.Context, record *FileRecord) (*FileRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.insertErr != nil {
		return nil, c.insertErr
	}
	c.seq++
	stored := *record
	stored.ID = fmt.Sprintf("%024d", c.seq)
	stored.CreatedAt = c.now()
	stored.UpdatedAt = stored.CreatedAt
	c.records[stored.ID] = &stored
	out := stored
	return &out, nil
}

func (c *memCatalog) FindByID(ctx context.Context, id string) (*FileRecord, error) {
	record, err := c.findByID(id)
	if err == nil && c.afterFind != nil {
		c.afterFind(id)
	}
	return record, err
}

func (c *memCatalog) findByID(id string) (*FileRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.findCalls++
	if c.findErr != nil {
		return nil, c.findErr
	}
	record, ok := c.records[id]
	if !ok {
		return nil, fmt.Errorf("file %s: %w", id, ErrNotFound)
	}
	out := *record
	return &out, nil
}

func (c *memCatalog) FindAll(ctx context.Context) ([]*FileRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.findAllErr != nil {
		return nil, c.findAllErr
	}
	out := make([]*FileRecord, 0, len(c.records))
	for _, record := range c.records {
		copied := *record
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (c *memCatalog) DeleteByID(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteCalls++
	if err := c.deleteErrs[id]; err != nil {
		return err
	}
	if _, ok := c.records[id]; !ok {
		return fmt.Errorf("file %s: %w", id, ErrNotFound)
	}
	delete(c.records, id)
	return nil
}

func (c *memCatalog) Close(ctx context.Context) error {
	return nil
}

func (c *memCatalog) get(id string) (*FileRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.records[id]
	return record, ok
}

func (c *memCatalog) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func (c *memCatalog) deletes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleteCalls
}

func (c *memCatalog) failDelete(id string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.deleteErrs, id)
		return
	}
	c.deleteErrs[id] = err
}

type testService struct {
	*FileService
	blobs   *memBlobStore
	catalog *memCatalog
	clock   *fakeClock
}

func newTestService(t *testing.T, opts ...func(*FileServiceConfig)) *testService {
	t.Helper()

	clock := newFakeClock()
	blobs := newMemBlobStore()
	catalog := newMemCatalog(clock.Now)

	cfg := FileServiceConfig{Now: clock.Now}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &testService{
		FileService: NewFileService(blobs, catalog, cfg),
		blobs:       blobs,
		catalog:     catalog,
		clock:       clock,
	}
}

func textUpload(name, body, owner string) UploadInput {
	return UploadInput{
		Data:         []byte(body),
		OriginalName: name,
		MimeType:     "text/plain",
		SizeBytes:    int64(len(body)),
		OwnerID:      owner,
	}
}

func mustUpload(t *testing.T, s *testService, in UploadInput) *FileRecord {
	t.Helper()
	record, err := s.Upload(context.Background(), in)
	if err != nil {
		t.Fatalf("upload %s: %v", in.OriginalName, err)
	}
	return record
}

func tokenOf(t *testing.T, key string) int64 {
	t.Helper()
	for i := 0; i < len(key); i++ {
		if key[i] == '_' {
			n, err := strconv.ParseInt(key[:i], 10, 64)
			if err != nil {
				t.Fatalf("key %q has no numeric token: %v", key, err)
			}
			return n
		}
	}
	t.Fatalf("key %q has no token separator", key)
	return 0
}

// recordingCache is an in-memory Cache that remembers invalidations
type recordingCache struct {
	mu         sync.Mutex
	records    map[string]FileRecord
	deletedIDs []string
	gets       int
	hits       int
}

func newRecordingCache() *recordingCache {
	return &recordingCache{records: make(map[string]FileRecord)}
}

func (c *recordingCache) GetRecord(ctx context.Context, id string) (*FileRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	record, ok := c.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	c.hits++
	return &record, nil
}

func (c *recordingCache) SetRecord(ctx context.Context, record *FileRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[record.ID] = *record
	return nil
}

func (c *recordingCache) DeleteRecord(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletedIDs = append(c.deletedIDs, id)
	delete(c.records, id)
	return nil
}

func (c *recordingCache) Close() error {
	return nil
}

func (c *recordingCache) deleted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.deletedIDs...)
}

func (c *recordingCache) cached(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.records[id]
	return ok
}
