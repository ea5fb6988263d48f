package blob

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"proposal-pipeline/internal/domain"
	"proposal-pipeline/internal/domain/model"
	"proposal-pipeline/internal/domain/ports/adapter"
)

var _ adapter.BlobStore = (*MemoryStore)(nil)

type memObject struct {
	body        []byte
	contentType string
	modified    time.Time
}

// MemoryStore is a process-local BlobStore for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	name    string
	objects map[string]memObject
	now     func() time.Time
}

func NewMemoryStore(name string) *MemoryStore {
	return &MemoryStore{
		name:    name,
		objects: make(map[string]memObject),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) List(_ context.Context, prefix string) ([]model.TemplateRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.TemplateRef, 0)
	for k, o := range m.objects {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		out = append(out, model.TemplateRef{
			Name:         model.TemplateName(k),
			Key:          k,
			Size:         int64(len(o.body)),
			LastModified: o.modified,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, body []byte, contentType string) error {
	if key == "" {
		return fmt.Errorf("%w: empty blob key", domain.ErrInvalidArgument)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{
		body:        append([]byte(nil), body...),
		contentType: contentType,
		modified:    m.now(),
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("blob %s/%s: %w", m.name, key, domain.ErrNotFound)
	}
	return append([]byte(nil), o.body...), nil
}

// ContentType returns the stored content type of key, or "" if absent.
func (m *MemoryStore) ContentType(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.objects[key].contentType
}

func (m *MemoryStore) PresignGet(_ context.Context, key string, ttl time.Duration) (string, error) {
	m.mu.RLock()
	_, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("blob %s/%s: %w", m.name, key, domain.ErrNotFound)
	}
	u := url.URL{Scheme: "memory", Host: m.name, Path: "/" + key}
	q := u.Query()
	q.Set("expires", m.now().Add(ttl).Format(time.RFC3339))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
