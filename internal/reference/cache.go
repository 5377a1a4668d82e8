// Package reference caches the school application's lookup lists (classes,
// divisions, academic years, fee structures, student groups) so dropdowns and
// validation do not hit the remote server on every request.
//
// Concurrent misses for the same key share one remote call. Failed loads are
// never cached.
package reference

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/JonMunkholm/enroll/internal/frappe"
)

// DefaultTTL is how long a loaded list is served before it is refetched.
const DefaultTTL = 5 * time.Minute

// Source loads reference lists. *frappe.Client satisfies it.
type Source interface {
	Classes(ctx context.Context) ([]frappe.Class, error)
	Divisions(ctx context.Context, class, year string) ([]frappe.Division, error)
	AcademicYears(ctx context.Context) ([]string, error)
	FeeStructures(ctx context.Context, program string) ([]frappe.FeeStructure, error)
	StudentGroups(ctx context.Context, program string) ([]frappe.StudentGroup, error)
}

type entry struct {
	value    any
	loadedAt time.Time
}

// Stats reports cache activity since creation.
type Stats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// Cache is safe for concurrent use.
type Cache struct {
	src   Source
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]entry
	hits    int64
	misses  int64
}

// New creates a cache in front of src. A non-positive ttl uses DefaultTTL;
// a nil now uses time.Now.
func New(src Source, ttl time.Duration, now func() time.Time) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{
		src:     src,
		ttl:     ttl,
		now:     now,
		entries: make(map[string]entry),
	}
}

// Classes returns every class.
func (c *Cache) Classes(ctx context.Context) ([]frappe.Class, error) {
	return load(ctx, c, "classes", func(ctx context.Context) ([]frappe.Class, error) {
		return c.src.Classes(ctx)
	})
}

// Divisions returns the divisions of class in year. An empty year means the
// current one.
func (c *Cache) Divisions(ctx context.Context, class, year string) ([]frappe.Division, error) {
	if class == "" {
		return nil, nil
	}
	key := "divisions:" + class + ":" + year
	return load(ctx, c, key, func(ctx context.Context) ([]frappe.Division, error) {
		return c.src.Divisions(ctx, class, year)
	})
}

// AcademicYears returns the academic years, the current one first.
func (c *Cache) AcademicYears(ctx context.Context) ([]string, error) {
	return load(ctx, c, "years", func(ctx context.Context) ([]string, error) {
		return c.src.AcademicYears(ctx)
	})
}

// FeeStructures returns the submitted fee structures of program, or of every
// program when it is empty.
func (c *Cache) FeeStructures(ctx context.Context, program string) ([]frappe.FeeStructure, error) {
	return load(ctx, c, "fees:"+program, func(ctx context.Context) ([]frappe.FeeStructure, error) {
		return c.src.FeeStructures(ctx, program)
	})
}

// StudentGroups returns the student groups of program.
func (c *Cache) StudentGroups(ctx context.Context, program string) ([]frappe.StudentGroup, error) {
	return load(ctx, c, "groups:"+program, func(ctx context.Context) ([]frappe.StudentGroup, error) {
		return c.src.StudentGroups(ctx, program)
	})
}

// HasDivision reports whether division belongs to class in year.
func (c *Cache) HasDivision(ctx context.Context, class, year, division string) (bool, error) {
	divs, err := c.Divisions(ctx, class, year)
	if err != nil {
		return false, err
	}
	for _, d := range divs {
		if d.Name == division {
			return true, nil
		}
	}
	return false, nil
}

// Invalidate drops every entry whose key starts with prefix, e.g.
// "groups:" after fee schedules change group membership.
func (c *Cache) Invalidate(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// InvalidateAll empties the cache.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Entries: len(c.entries), Hits: c.hits, Misses: c.misses}
}

func (c *Cache) lookup(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if ok && c.now().Sub(e.loadedAt) < c.ttl {
		c.hits++
		return e.value, true
	}
	c.misses++
	return nil, false
}

func (c *Cache) store(key string, v any) {
	c.mu.Lock()
	c.entries[key] = entry{value: v, loadedAt: c.now()}
	c.mu.Unlock()
}

// load serves key from the cache or fetches it once for all waiting callers.
// The shared fetch is detached from any single caller's cancellation but
// keeps its values, so forwarded credentials still apply.
func load[T any](ctx context.Context, c *Cache, key string, fetch func(context.Context) (T, error)) (T, error) {
	if v, ok := c.lookup(key); ok {
		return v.(T), nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		v, err := fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.store(key, v)
		return v, nil
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, fmt.Errorf("load %s: %w", key, res.Err)
		}
		return res.Val.(T), nil
	}
}
