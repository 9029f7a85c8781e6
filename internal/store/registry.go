package store

import (
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/kk-code-lab/nstore/internal/metrics"
)

// Registry opens user stores on first use and keeps them open.
type Registry struct {
	root  string
	base  Options
	mu    sync.Mutex
	users map[string]*Store
	group singleflight.Group
}

// NewRegistry keeps one store per user under root. base provides settings
// shared by all stores; its Root and UserID are ignored.
func NewRegistry(root string, base Options) *Registry {
	return &Registry{root: root, base: base, users: make(map[string]*Store)}
}

// Get returns the store of userID, opening it when needed.
func (r *Registry) Get(userID string) (*Store, error) {
	if userID == "" || checkObjID(userID) != nil {
		return nil, errors.Errorf("store: bad user id %q", userID)
	}
	r.mu.Lock()
	s, ok := r.users[userID]
	r.mu.Unlock()
	if ok {
		return s, nil
	}
	v, err, _ := r.group.Do(userID, func() (any, error) {
		r.mu.Lock()
		s, ok := r.users[userID]
		r.mu.Unlock()
		if ok {
			return s, nil
		}
		opts := r.base
		opts.Root = filepath.Join(r.root, userID)
		opts.UserID = userID
		s, err := Open(opts)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.users[userID] = s
		r.mu.Unlock()
		metrics.OpenStores.Inc()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Store), nil
}

// Users lists users with an open store.
func (r *Registry) Users() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.users))
	for u := range r.users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Close closes all open stores.
func (r *Registry) Close() error {
	r.mu.Lock()
	users := r.users
	r.users = make(map[string]*Store)
	r.mu.Unlock()
	var first error
	for _, s := range users {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
		metrics.OpenStores.Dec()
	}
	return first
}
