package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/cloud-browser/pkg/models"
)

// Registry is the in-memory store of session records. Callers always get
// clones; mutations go through Update so the owner index stays consistent.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	byOwner  map[string]map[string]struct{}

	sessionLocks *keyedMutex
	ownerLocks   *keyedMutex
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions:     make(map[string]*models.Session),
		byOwner:      make(map[string]map[string]struct{}),
		sessionLocks: newKeyedMutex(),
		ownerLocks:   newKeyedMutex(),
	}
}

// Insert stores a new record. The id must be unused.
func (r *Registry) Insert(s *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID]; exists {
		return fmt.Errorf("session %s already registered", s.ID)
	}
	r.sessions[s.ID] = s.Clone()
	ids, ok := r.byOwner[s.OwnerID]
	if !ok {
		ids = make(map[string]struct{})
		r.byOwner[s.OwnerID] = ids
	}
	ids[s.ID] = struct{}{}
	return nil
}

// Get returns a copy of the record.
func (r *Registry) Get(id string) (*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// Update applies fn to the stored record and returns a copy of the result.
// If fn fails the record is left untouched.
func (r *Registry) Update(id string, fn func(s *models.Session) error) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID, next.OwnerID = cur.ID, cur.OwnerID
	r.sessions[id] = next
	return next.Clone(), nil
}

// Remove deletes the record.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(r.sessions, id)
	if ids := r.byOwner[s.OwnerID]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(r.byOwner, s.OwnerID)
		}
	}
}

// List returns copies of all matching records, newest first.
func (r *Registry) List(f models.SessionFilter) []*models.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Session
	if f.OwnerID != "" {
		for id := range r.byOwner[f.OwnerID] {
			if s := r.sessions[id]; f.Match(s) {
				out = append(out, s.Clone())
			}
		}
	} else {
		for _, s := range r.sessions {
			if f.Match(s) {
				out = append(out, s.Clone())
			}
		}
	}
	sortNewestFirst(out)
	return out
}

// ListByOwner returns the owner's records, newest first.
func (r *Registry) ListByOwner(owner string) []*models.Session {
	return r.List(models.SessionFilter{OwnerID: owner})
}

// CountActive returns how many of the owner's records are creating or running.
func (r *Registry) CountActive(owner string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for id := range r.byOwner[owner] {
		if r.sessions[id].Status.Active() {
			n++
		}
	}
	return n
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// LockSession serializes every mutation of one session.
func (r *Registry) LockSession(id string) (unlock func()) {
	return r.sessionLocks.lock(id)
}

// LockSessionContext is LockSession that gives up when ctx is done.
func (r *Registry) LockSessionContext(ctx context.Context, id string) (unlock func(), err error) {
	return r.sessionLocks.lockContext(ctx, id)
}

// TryLockSession is LockSession without waiting.
func (r *Registry) TryLockSession(id string) (unlock func(), ok bool) {
	return r.sessionLocks.tryLock(id)
}

// LockOwner serializes quota checks for one owner.
func (r *Registry) LockOwner(owner string) (unlock func()) {
	return r.ownerLocks.lock(owner)
}

func sortNewestFirst(list []*models.Session) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID > list[j].ID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}

// keyedMutex hands out one lock per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sem  *semaphore.Weighted
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) acquire(key string) *refMutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{sem: semaphore.NewWeighted(1)}
		k.locks[key] = m
	}
	m.refs++
	return m
}

func (k *keyedMutex) release(key string, m *refMutex) {
	k.mu.Lock()
	defer k.mu.Unlock()
	m.refs--
	if m.refs == 0 {
		delete(k.locks, key)
	}
}

func (k *keyedMutex) unlocker(key string, m *refMutex) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.sem.Release(1)
			k.release(key, m)
		})
	}
}

func (k *keyedMutex) lock(key string) func() {
	unlock, _ := k.lockContext(context.Background(), key)
	return unlock
}

func (k *keyedMutex) lockContext(ctx context.Context, key string) (func(), error) {
	m := k.acquire(key)
	if err := m.sem.Acquire(ctx, 1); err != nil {
		k.release(key, m)
		return nil, err
	}
	return k.unlocker(key, m), nil
}

func (k *keyedMutex) tryLock(key string) (func(), bool) {
	m := k.acquire(key)
	if !m.sem.TryAcquire(1) {
		k.release(key, m)
		return nil, false
	}
	return k.unlocker(key, m), true
}
