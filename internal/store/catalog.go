package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"cointracer/internal/core"
	"cointracer/internal/events"
	"cointracer/internal/log"
	"cointracer/internal/remote"
	"cointracer/internal/session"
)

// Guard reports whether expenses still reference a category.
type Guard interface {
	HasRecords(categoryID string) bool
}

// Catalog caches the user's categories and their budgets.
type Catalog struct {
	remote   remote.CategoryService
	sessions Sessions
	bus      *events.Bus
	logger   *log.Logger
	policy   RemovalPolicy

	keys  keyedMutex
	loads singleflight.Group
	// writes is held shared by Create, Update and Remove and exclusively by fetch.
	writes sync.RWMutex

	mu    sync.RWMutex
	scope scope
	guard Guard
	order []string
	byID  map[string]core.Category
}

func NewCatalog(svc remote.CategoryService, sessions Sessions, bus *events.Bus, policy RemovalPolicy, logger *log.Logger) *Catalog {
	if logger == nil {
		logger = log.Discard()
	}
	if policy == "" {
		policy = RemovalBlock
	}
	return &Catalog{
		remote:   svc,
		sessions: sessions,
		bus:      bus,
		logger:   logger.WithComponent(log.ComponentCatalog),
		policy:   policy,
		byID:     map[string]core.Category{},
	}
}

// UseGuard installs the check consulted by Remove under RemovalBlock.
func (c *Catalog) UseGuard(g Guard) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.guard = g
}

func (c *Catalog) Policy() RemovalPolicy { return c.policy }

// Reset binds the catalog to a newly established session, dropping any previous state.
func (c *Catalog) Reset(h session.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scope = scope{epoch: h.Epoch, userID: h.UserID()}
	c.order, c.byID = nil, map[string]core.Category{}
}

// Clear drops all cached data. The epoch is kept so late results stay stale.
func (c *Catalog) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scope = scope{epoch: c.scope.epoch}
	c.order, c.byID = nil, map[string]core.Category{}
}

// LoadAll fetches the categories of userID once per session. Later calls
// return the cached set until Refresh.
func (c *Catalog) LoadAll(ctx context.Context, userID string) ([]core.Category, error) {
	h, err := c.sessions.Require()
	if err != nil {
		return nil, err
	}
	if h.UserID() != userID {
		return nil, fmt.Errorf("load categories of %s: %w", userID, core.ErrUnauthenticated)
	}
	if err := c.ensureLoaded(ctx, h); err != nil {
		return nil, err
	}
	return c.Snapshot(), nil
}

// Refresh re-fetches the categories of the current session.
func (c *Catalog) Refresh(ctx context.Context) ([]core.Category, error) {
	h, err := c.sessions.Require()
	if err != nil {
		return nil, err
	}
	if err := c.fetch(ctx, h, true); err != nil {
		return nil, err
	}
	return c.Snapshot(), nil
}

func (c *Catalog) ensureLoaded(ctx context.Context, h session.Handle) error {
	if c.loadedFor(h) {
		return nil
	}
	return c.fetch(ctx, h, false)
}

func (c *Catalog) loadedFor(h session.Handle) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scope.epoch == h.Epoch && c.scope.loaded
}

// fetch loads the categories of h. Concurrent fetches for one epoch share a call.
func (c *Catalog) fetch(ctx context.Context, h session.Handle, force bool) error {
	_, err, _ := c.loads.Do(strconv.FormatUint(h.Epoch, 10), func() (any, error) {
		if !force && c.loadedFor(h) {
			return nil, nil
		}
		c.writes.Lock()
		defer c.writes.Unlock()
		cats, err := c.remote.ListCategories(ctx, h.Token())
		if err != nil {
			return nil, remoteFailed(c.sessions, h, "list categories", err)
		}
		if err := c.apply(h, func() {
			c.order = make([]string, 0, len(cats))
			c.byID = make(map[string]core.Category, len(cats))
			for _, cat := range cats {
				c.order = append(c.order, cat.ID)
				c.byID[cat.ID] = cat
			}
			c.scope.loaded = true
		}); err != nil {
			return nil, err
		}
		c.logger.DebugContext(ctx, "Categories loaded", log.FieldUserID, h.UserID(), log.FieldEpoch, h.Epoch, log.FieldCount, len(cats))
		c.bus.Publish(ctx, events.Event{Kind: events.CategoriesLoaded, Epoch: h.Epoch, UserID: h.UserID(), Categories: cloneCategories(cats)})
		return nil, nil
	})
	return err
}

// apply runs mutate under the write lock if h is still the bound, current session.
func (c *Catalog) apply(h session.Handle, mutate func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sessions.IsCurrent(h) {
		return core.ErrSessionChanged
	}
	if reset, ok := c.scope.bind(h); !ok {
		return core.ErrSessionChanged
	} else if reset {
		c.order, c.byID = nil, map[string]core.Category{}
	}
	mutate()
	return nil
}

// Create adds a category. Names are unique per user, case-insensitively.
func (c *Catalog) Create(ctx context.Context, name string, budget core.Money) (core.Category, error) {
	in := core.NewCategory{Name: name, Budget: budget}
	if err := in.Validate(); err != nil {
		return core.Category{}, err
	}
	h, err := c.sessions.Require()
	if err != nil {
		return core.Category{}, err
	}
	unlock, err := lockCtx(ctx, &c.keys, "name:"+core.NameKey(name))
	if err != nil {
		return core.Category{}, err
	}
	defer unlock()

	if err := c.ensureLoaded(ctx, h); err != nil {
		return core.Category{}, err
	}
	c.writes.RLock()
	defer c.writes.RUnlock()
	if _, taken := c.Lookup(name); taken {
		return core.Category{}, core.ErrDuplicateName
	}

	cat, err := c.remote.CreateCategory(ctx, h.Token(), in)
	if err != nil {
		return core.Category{}, remoteFailed(c.sessions, h, "create category", err)
	}
	if err := c.apply(h, func() {
		c.order = append(c.order, cat.ID)
		c.byID[cat.ID] = cat
	}); err != nil {
		return core.Category{}, err
	}

	c.logger.InfoContext(ctx, "Category created", log.NewFields().WithUser(h.UserID()).WithCategory(cat.ID, cat.Name, cat.Budget.Cents).ToSlice()...)
	c.bus.Publish(ctx, events.Event{Kind: events.CategoryCreated, Epoch: h.Epoch, UserID: h.UserID(), Category: cat})
	return cat, nil
}

// Update renames a category and/or changes its budget.
func (c *Catalog) Update(ctx context.Context, id string, patch core.CategoryPatch) (core.Category, error) {
	if err := patch.Validate(); err != nil {
		return core.Category{}, err
	}
	h, err := c.sessions.Require()
	if err != nil {
		return core.Category{}, err
	}
	unlock, err := lockCtx(ctx, &c.keys, "id:"+id)
	if err != nil {
		return core.Category{}, err
	}
	defer unlock()
	if patch.Name != nil {
		unlockName, err := lockCtx(ctx, &c.keys, "name:"+core.NameKey(*patch.Name))
		if err != nil {
			return core.Category{}, err
		}
		defer unlockName()
	}

	if err := c.ensureLoaded(ctx, h); err != nil {
		return core.Category{}, err
	}
	c.writes.RLock()
	defer c.writes.RUnlock()
	cur, ok := c.Get(id)
	if !ok {
		return core.Category{}, core.ErrNotFound
	}
	if patch.Name != nil {
		if other, taken := c.Lookup(*patch.Name); taken && other.ID != id {
			return core.Category{}, core.ErrDuplicateName
		}
	}
	if patch.Empty() {
		return cur, nil
	}

	cat, err := c.remote.UpdateCategory(ctx, h.Token(), id, patch)
	if err != nil {
		return core.Category{}, remoteFailed(c.sessions, h, "update category", err)
	}
	if err := c.apply(h, func() {
		if _, ok := c.byID[id]; ok {
			c.byID[id] = cat
		}
	}); err != nil {
		return core.Category{}, err
	}

	c.logger.InfoContext(ctx, "Category updated", log.NewFields().WithUser(h.UserID()).WithCategory(cat.ID, cat.Name, cat.Budget.Cents).ToSlice()...)
	c.bus.Publish(ctx, events.Event{Kind: events.CategoryUpdated, Epoch: h.Epoch, UserID: h.UserID(), Category: cat})
	return cat, nil
}

// Remove deletes a category according to the configured removal policy.
func (c *Catalog) Remove(ctx context.Context, id string) error {
	h, err := c.sessions.Require()
	if err != nil {
		return err
	}
	unlock, err := lockCtx(ctx, &c.keys, "id:"+id)
	if err != nil {
		return err
	}
	defer unlock()

	if err := c.ensureLoaded(ctx, h); err != nil {
		return err
	}
	c.writes.RLock()
	defer c.writes.RUnlock()
	cur, ok := c.Get(id)
	if !ok {
		return core.ErrNotFound
	}
	c.mu.RLock()
	guard := c.guard
	c.mu.RUnlock()
	cascade := c.policy == RemovalCascade
	if !cascade && guard != nil && guard.HasRecords(id) {
		return core.ErrCategoryInUse
	}

	if err := c.remote.DeleteCategory(ctx, h.Token(), id, cascade); err != nil {
		return remoteFailed(c.sessions, h, "delete category", err)
	}
	if err := c.apply(h, func() {
		delete(c.byID, id)
		for i, v := range c.order {
			if v == id {
				c.order = append(c.order[:i:i], c.order[i+1:]...)
				break
			}
		}
	}); err != nil {
		return err
	}

	c.logger.InfoContext(ctx, "Category removed",
		log.FieldUserID, h.UserID(),
		log.FieldCategoryID, id,
		"policy", string(c.policy))
	c.bus.Publish(ctx, events.Event{Kind: events.CategoryRemoved, Epoch: h.Epoch, UserID: h.UserID(), Category: cur, Cascade: cascade})
	return nil
}

// Snapshot returns the categories in creation order.
func (c *Catalog) Snapshot() []core.Category {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]core.Category, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

func (c *Catalog) Get(id string) (core.Category, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cat, ok := c.byID[id]
	return cat, ok
}

// Lookup finds a category by name, case-insensitively.
func (c *Catalog) Lookup(name string) (core.Category, bool) {
	key := core.NameKey(name)
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, id := range c.order {
		if cat := c.byID[id]; core.NameKey(cat.Name) == key {
			return cat, true
		}
	}
	return core.Category{}, false
}

func (c *Catalog) Contains(id string) bool {
	_, ok := c.Get(id)
	return ok
}

// Loaded reports whether the catalog holds the current session's data.
func (c *Catalog) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scope.loaded
}

func cloneCategories(in []core.Category) []core.Category {
	return append([]core.Category(nil), in...)
}
