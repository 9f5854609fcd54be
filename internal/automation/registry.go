package automation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry and Engine.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// PackSource is the read side the engine needs for packs. Both Registry
// and Repository satisfy it.
type PackSource interface {
	GetPack(ctx context.Context, id string) (*Pack, error)
	GetPackBySlug(ctx context.Context, slug string) (*Pack, error)
}

// Registry provides pack lookups with caching and thread safety.
// It wraps a Repository and keeps packs in memory for at most ttl.
//
// A miss or an expired entry reads through to the repository, so edits
// made by another process are picked up within one ttl. A zero ttl turns
// the cache off.
//
// All public methods are thread-safe.
type Registry struct {
	repo    Repository
	ttl     time.Duration
	cache   map[string]cachedPack // Cached packs by ID
	slugs   map[string]string     // Slug -> ID
	cacheMu sync.RWMutex          // Protects cache and slugs
	logger  Logger
	now     func() time.Time
}

type cachedPack struct {
	pack     *Pack
	loadedAt time.Time
}

// NewRegistry creates a new pack registry.
func NewRegistry(repo Repository, ttl time.Duration) *Registry {
	return &Registry{
		repo:   repo,
		ttl:    ttl,
		cache:  make(map[string]cachedPack),
		slugs:  make(map[string]string),
		logger: noopLogger{},
		now:    time.Now,
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads all packs from the repository into the cache.
// This should be called on application startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	packs, err := r.repo.ListPacks(ctx)
	if err != nil {
		return fmt.Errorf("loading packs: %w", err)
	}

	now := r.now()
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	r.cache = make(map[string]cachedPack, len(packs))
	r.slugs = make(map[string]string, len(packs))
	for i := range packs {
		p := packs[i]
		r.cache[p.ID] = cachedPack{pack: p.DeepCopy(), loadedAt: now}
		r.slugs[p.Slug] = p.ID
	}

	r.logger.Info("pack cache refreshed", "count", len(packs))
	return nil
}

// GetPack retrieves a pack by ID.
// The returned pack is a deep copy; callers can safely modify it.
func (r *Registry) GetPack(ctx context.Context, id string) (*Pack, error) {
	if p, ok := r.lookup(id); ok {
		return p, nil
	}

	pack, err := r.repo.GetPack(ctx, id)
	if err != nil {
		return nil, err
	}
	r.store(pack)
	return pack, nil
}

// GetPackBySlug retrieves a pack by its slug.
// The returned pack is a deep copy.
func (r *Registry) GetPackBySlug(ctx context.Context, slug string) (*Pack, error) {
	r.cacheMu.RLock()
	id, ok := r.slugs[slug]
	r.cacheMu.RUnlock()
	if ok {
		if p, hit := r.lookup(id); hit && p.Slug == slug {
			return p, nil
		}
	}

	pack, err := r.repo.GetPackBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	r.store(pack)
	return pack, nil
}

// ListPacks retrieves all packs from the repository, refreshing the cache.
// Returns deep copies sorted by category then slug.
func (r *Registry) ListPacks(ctx context.Context) ([]Pack, error) {
	if err := r.RefreshCache(ctx); err != nil {
		return nil, err
	}

	r.cacheMu.RLock()
	packs := make([]Pack, 0, len(r.cache))
	for _, c := range r.cache {
		packs = append(packs, *c.pack.DeepCopy())
	}
	r.cacheMu.RUnlock()

	sortPacks(packs)
	return packs, nil
}

// sortPacks orders packs by category then slug.
func sortPacks(packs []Pack) {
	sort.Slice(packs, func(i, j int) bool {
		if packs[i].Category != packs[j].Category {
			return packs[i].Category < packs[j].Category
		}
		return packs[i].Slug < packs[j].Slug
	})
}

// SavePack validates, persists, and caches a pack.
func (r *Registry) SavePack(ctx context.Context, pack *Pack) error {
	if pack.ID == "" {
		pack.ID = GenerateID()
	}
	if pack.Slug == "" {
		pack.Slug = GenerateSlug(pack.Title)
	}
	if pack.Category == "" {
		pack.Category = defaultCategory
	}
	for i := range pack.Steps {
		s := &pack.Steps[i]
		if s.StepOrder == 0 {
			s.StepOrder = i + 1
		}
		if s.OutputFormat == "" {
			s.OutputFormat = FormatText
		}
		if s.AIModel == "" {
			s.AIModel = defaultAIModel
		}
	}

	if err := ValidatePack(pack); err != nil {
		return err
	}
	if err := r.repo.SavePack(ctx, pack); err != nil {
		return err
	}

	sort.Slice(pack.Steps, func(i, j int) bool { return pack.Steps[i].StepOrder < pack.Steps[j].StepOrder })
	r.store(pack)

	r.logger.Info("pack saved", "id", pack.ID, "slug", pack.Slug, "steps", len(pack.Steps))
	return nil
}

// Invalidate drops a pack from the cache.
func (r *Registry) Invalidate(id string) {
	r.cacheMu.Lock()
	if c, ok := r.cache[id]; ok {
		delete(r.slugs, c.pack.Slug)
		delete(r.cache, id)
	}
	r.cacheMu.Unlock()
}

// GetPackCount returns the number of cached packs.
func (r *Registry) GetPackCount() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}

func (r *Registry) lookup(id string) (*Pack, bool) {
	if r.ttl <= 0 {
		return nil, false
	}

	r.cacheMu.RLock()
	c, ok := r.cache[id]
	r.cacheMu.RUnlock()

	if !ok || r.now().Sub(c.loadedAt) >= r.ttl {
		return nil, false
	}
	return c.pack.DeepCopy(), true
}

func (r *Registry) store(pack *Pack) {
	if r.ttl <= 0 {
		return
	}

	r.cacheMu.Lock()
	if old, ok := r.cache[pack.ID]; ok && old.pack.Slug != pack.Slug {
		delete(r.slugs, old.pack.Slug)
	}
	r.cache[pack.ID] = cachedPack{pack: pack.DeepCopy(), loadedAt: r.now()}
	r.slugs[pack.Slug] = pack.ID
	r.cacheMu.Unlock()
}
