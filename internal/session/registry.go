package session

import (
	"slices"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"termlink/internal/engineerr"
)

// Registry is the canonical in-memory table of sessions and the
// parent→children index. It is safe for concurrent use; every mutation goes
// through Upsert or Remove.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	children map[string][]string // parentID → ordered child IDs
	order    map[string][]string // workspace → ordered session IDs

	log         zerolog.Logger
	onViolation func(*engineerr.Error)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithViolationHandler receives every invariant violation the registry
// repairs.
func WithViolationHandler(fn func(*engineerr.Error)) RegistryOption {
	return func(r *Registry) { r.onViolation = fn }
}

// NewRegistry creates an empty registry.
func NewRegistry(log zerolog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		children: make(map[string][]string),
		order:    make(map[string][]string),
		log:      log.With().Str("component", "registry").Logger(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Get returns a copy of the session with the given id.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.Clone(), true
}

// All returns copies of every session, ordered by workspace order (from
// sessions_reordered), then creation time, then id.
func (r *Registry) All() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, s.Clone())
	}
	sort.SliceStable(result, func(i, j int) bool {
		a, b := result[i], result[j]
		ia, ib := r.positionLocked(a), r.positionLocked(b)
		if ia != ib {
			return ia < ib
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return result
}

func (r *Registry) positionLocked(s Session) int {
	idx := slices.Index(r.order[s.Workspace], s.ID)
	if idx < 0 {
		return len(r.order[s.Workspace])
	}
	return idx
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Upsert merges p into the stored session, creating it if needed. Applying
// the same patch twice leaves the registry unchanged.
func (r *Registry) Upsert(p Patch) (Session, ChangeSet, error) {
	if p.ID == "" {
		return Session{}, ChangeSet{}, ErrMissingID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var cs ChangeSet
	s, ok := r.sessions[p.ID]
	if !ok {
		s = &Session{ID: p.ID, TransportKind: TransportRemote, IsActive: true, Interactive: true}
		r.sessions[p.ID] = s
		cs.Created = true
	}

	prevWorkspace, prevParent := s.Workspace, s.ParentID
	p.apply(s)

	if !cs.Created && p.Workspace.Set && s.Workspace != prevWorkspace {
		cs.WorkspaceChanged = true
		cs.PrevWorkspace = prevWorkspace
	}
	if s.ParentID != prevParent {
		cs.ParentChanged = true
		cs.PrevParent = prevParent
		if prevParent != "" {
			r.unlinkChildLocked(prevParent, s.ID)
		}
	}
	if s.ParentID != "" && !slices.Contains(r.children[s.ParentID], s.ID) {
		r.children[s.ParentID] = append(r.children[s.ParentID], s.ID)
	}

	r.checkInvariantsLocked()
	return s.Clone(), cs, nil
}

// Remove deletes a session. Its children are owned by its lifecycle and
// are removed with it. It returns the ids removed, parent first.
func (r *Registry) Remove(id string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}

	removed := []string{id}
	for _, childID := range r.children[id] {
		if _, ok := r.sessions[childID]; ok {
			delete(r.sessions, childID)
			removed = append(removed, childID)
		}
		delete(r.children, childID)
	}
	delete(r.children, id)
	if s.ParentID != "" {
		r.unlinkChildLocked(s.ParentID, id)
	}
	delete(r.sessions, id)
	for ws, ids := range r.order {
		r.order[ws] = slices.DeleteFunc(ids, func(v string) bool { return slices.Contains(removed, v) })
	}

	r.checkInvariantsLocked()
	return removed, true
}

// Children returns the children of parentID in registration order.
func (r *Registry) Children(parentID string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.children[parentID]
	result := make([]Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := r.sessions[id]; ok {
			result = append(result, s.Clone())
		}
	}
	return result
}

// ChildIndex returns a copy of the parent→children index.
func (r *Registry) ChildIndex() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string, len(r.children))
	for parent, ids := range r.children {
		out[parent] = append([]string(nil), ids...)
	}
	return out
}

// RebuildChildren re-derives the parent→children index from the session
// table. Existing order is kept for children still present; newly found
// children are appended by creation time.
func (r *Registry) RebuildChildren() {
	r.mu.Lock()
	defer r.mu.Unlock()

	byParent := make(map[string][]*Session)
	for _, s := range r.sessions {
		if s.ParentID != "" {
			byParent[s.ParentID] = append(byParent[s.ParentID], s)
		}
	}

	rebuilt := make(map[string][]string, len(byParent))
	for parent, kids := range byParent {
		sort.SliceStable(kids, func(i, j int) bool {
			pi := slices.Index(r.children[parent], kids[i].ID)
			pj := slices.Index(r.children[parent], kids[j].ID)
			switch {
			case pi >= 0 && pj >= 0:
				return pi < pj
			case pi >= 0:
				return true
			case pj >= 0:
				return false
			}
			if !kids[i].CreatedAt.Equal(kids[j].CreatedAt) {
				return kids[i].CreatedAt.Before(kids[j].CreatedAt)
			}
			return kids[i].ID < kids[j].ID
		})
		ids := make([]string, len(kids))
		for i, k := range kids {
			ids[i] = k.ID
		}
		rebuilt[parent] = ids
	}
	r.children = rebuilt
	r.checkInvariantsLocked()
}

// Reorder records the display order of a workspace.
func (r *Registry) Reorder(workspace string, ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order[workspace] = append([]string(nil), ids...)
}

func (r *Registry) unlinkChildLocked(parentID, childID string) {
	ids := slices.DeleteFunc(r.children[parentID], func(v string) bool { return v == childID })
	if len(ids) == 0 {
		delete(r.children, parentID)
		return
	}
	r.children[parentID] = ids
}

// checkInvariantsLocked drops index entries that reference a missing
// session or a session whose parent does not match. Only the affected
// child is dropped; the rest of the registry is untouched.
func (r *Registry) checkInvariantsLocked() {
	for parent, ids := range r.children {
		kept := ids[:0]
		for _, id := range ids {
			s, ok := r.sessions[id]
			if ok && s.ParentID == parent {
				kept = append(kept, id)
				continue
			}
			err := engineerr.New(engineerr.KindInvariantViolation, id, nil,
				"child index of %s references %s", parent, describeMissing(ok))
			r.log.Error().Str("session_id", id).Str("parent_id", parent).Msg(err.Message)
			if r.onViolation != nil {
				r.onViolation(err)
			}
		}
		if len(kept) == 0 {
			delete(r.children, parent)
			continue
		}
		r.children[parent] = kept
	}
}

func describeMissing(present bool) string {
	if present {
		return "a session with a different parent"
	}
	return "a session absent from the registry"
}
