package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/shopcore/api/internal/repositories"
)

const (
	defaultCategoryCacheTTL = 5 * time.Minute
	// fallbackProviderCategory is the provider's "other" bucket.
	fallbackProviderCategory = "سایر"
)

// CategoryMapperDeps wires the category mapper.
type CategoryMapperDeps struct {
	Repository repositories.CategoryMappingRepository
	TTL        time.Duration
	Clock      func() time.Time
	Logger     EventLogger
}

type categoryMapper struct {
	repo   repositories.CategoryMappingRepository
	ttl    time.Duration
	now    func() time.Time
	logger EventLogger
	group  singleflight.Group

	mu       sync.RWMutex
	mappings map[string]string
	loadedAt time.Time
}

// NewCategoryMapper constructs a mapper caching the mapping table for TTL.
func NewCategoryMapper(deps CategoryMapperDeps) (CategoryMapper, error) {
	if deps.Repository == nil {
		return nil, errors.New("category mapper: repository is required")
	}
	ttl := deps.TTL
	if ttl <= 0 {
		ttl = defaultCategoryCacheTTL
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	return &categoryMapper{repo: deps.Repository, ttl: ttl, now: clock, logger: logger}, nil
}

// MapToCategoryCode returns the provider category for a catalog category title. Empty names map
// to the provider's generic bucket and unmapped names pass through trimmed.
func (m *categoryMapper) MapToCategoryCode(ctx context.Context, name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return fallbackProviderCategory
	}
	mappings := m.load(ctx)
	if code, ok := mappings[normalizeCategoryKey(name)]; ok && code != "" {
		return code
	}
	return name
}

// Invalidate drops the cached table; the next lookup reloads it.
func (m *categoryMapper) Invalidate() {
	m.mu.Lock()
	m.mappings = nil
	m.loadedAt = time.Time{}
	m.mu.Unlock()
}

func (m *categoryMapper) load(ctx context.Context) map[string]string {
	m.mu.RLock()
	cached, loadedAt := m.mappings, m.loadedAt
	m.mu.RUnlock()
	if cached != nil && m.now().Sub(loadedAt) < m.ttl {
		return cached
	}

	v, err, _ := m.group.Do("mappings", func() (any, error) {
		rows, err := m.repo.List(ctx)
		if err != nil {
			return nil, err
		}
		table := make(map[string]string, len(rows))
		for _, row := range rows {
			key := normalizeCategoryKey(row.Title)
			if key == "" {
				continue
			}
			table[key] = strings.TrimSpace(row.ProviderCategory)
		}
		m.mu.Lock()
		m.mappings = table
		m.loadedAt = m.now()
		m.mu.Unlock()
		return table, nil
	})
	if err != nil {
		m.logger(ctx, "category_mapper.load_failed", map[string]any{"error": err.Error()})
		// Serve the stale table rather than nothing.
		return cached
	}
	return v.(map[string]string)
}

func normalizeCategoryKey(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}
