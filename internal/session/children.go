package session

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/rs/zerolog"

	"termlink/internal/opt"
)

const defaultChildTitle = "Shell"

var autoTitlePattern = regexp.MustCompile(`^Shell(?: ([0-9]+))?$`)

// Releaser frees the transport resources bound to a session.
type Releaser interface {
	Release(id string)
}

// ChildManager registers nested sessions under their parent and keeps their
// default titles in sync.
type ChildManager struct {
	reg      *Registry
	releaser Releaser
	log      zerolog.Logger
}

// NewChildManager creates a ChildManager. releaser may be nil.
func NewChildManager(reg *Registry, releaser Releaser, log zerolog.Logger) *ChildManager {
	return &ChildManager{
		reg:      reg,
		releaser: releaser,
		log:      log.With().Str("component", "children").Logger(),
	}
}

// SetReleaser installs the component that frees transport resources.
func (m *ChildManager) SetReleaser(r Releaser) {
	m.releaser = r
}

// RegisterChild inserts or merges a child session and assigns default
// titles to its visible siblings.
func (m *ChildManager) RegisterChild(p Patch) (Session, error) {
	parent, ok := p.ParentID.Get()
	if !ok || parent == "" {
		return Session{}, fmt.Errorf("register child %s: parent id is required", p.ID)
	}
	if _, exists := m.reg.Get(p.ID); !exists {
		if !p.ShowInSidebar.Set {
			p.ShowInSidebar = opt.Some(true)
		}
		if !p.ChildTabType.Set {
			p.ChildTabType = opt.Some(ChildContainer)
		}
	}

	if _, _, err := m.reg.Upsert(p); err != nil {
		return Session{}, fmt.Errorf("register child %s: %w", p.ID, err)
	}
	m.retitle(parent)

	s, _ := m.reg.Get(p.ID)
	return s, nil
}

// UnregisterChild removes a child session. Command children keep their
// transport so their final output stays visible; every other child has its
// transport released.
func (m *ChildManager) UnregisterChild(id string) bool {
	s, ok := m.reg.Get(id)
	if !ok || !s.IsChild() {
		return false
	}
	m.reg.Remove(id)
	m.retitle(s.ParentID)

	if s.ChildTabType != ChildCommand && m.releaser != nil {
		m.releaser.Release(id)
	}
	m.log.Debug().Str("session_id", id).Str("parent_id", s.ParentID).Msg("child unregistered")
	return true
}

// RetitleAll recomputes default titles for every parent in the registry.
func (m *ChildManager) RetitleAll() {
	for parent := range m.reg.ChildIndex() {
		m.retitle(parent)
	}
}

// retitle assigns default titles to the visible children of parent. A
// single visible child is "Shell"; once there are several, untitled children
// and a bare "Shell" take numbers above the highest one in use. Numbered titles are never
// renamed and user-set titles are never touched.
func (m *ChildManager) retitle(parent string) {
	var visible []Session
	for _, c := range m.reg.Children(parent) {
		if c.ShowInSidebar {
			visible = append(visible, c)
		}
	}
	if len(visible) == 0 {
		return
	}

	if len(visible) == 1 {
		c := visible[0]
		if c.Title == "" {
			m.setTitle(c.ID, defaultChildTitle)
		}
		return
	}

	next := 1
	for _, c := range visible {
		if n, ok := autoNumber(c.Title); ok {
			next = max(next, n+1)
		}
	}
	for _, c := range visible {
		if c.Title != "" && c.Title != defaultChildTitle {
			continue
		}
		m.setTitle(c.ID, fmt.Sprintf("%s %d", defaultChildTitle, next))
		next++
	}
}

func (m *ChildManager) setTitle(id, title string) {
	if _, _, err := m.reg.Upsert(Patch{ID: id, Title: opt.Some(title)}); err != nil {
		m.log.Warn().Err(err).Str("session_id", id).Msg("set default title")
	}
}

// autoNumber parses "Shell N". A bare "Shell" is treated as unnumbered.
func autoNumber(title string) (int, bool) {
	m := autoTitlePattern.FindStringSubmatch(title)
	if m == nil || m[1] == "" {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}
