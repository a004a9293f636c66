// Package gate mirrors each session's deferred-input queue and tracks the
// stop-input gate. Stop-input toggles are applied optimistically as pending
// local values and reconciled against the next authoritative update.
package gate

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"termlink/internal/clock"
	"termlink/internal/opt"
	"termlink/internal/protocol"
	"termlink/internal/session"
)

// ErrUnknownPrompt is returned when toggling a prompt the session does not
// carry.
var ErrUnknownPrompt = errors.New("unknown stop prompt")

type pendingValue struct {
	value bool
	at    time.Time
}

// pendingStop holds the local values not yet confirmed by the server.
type pendingStop struct {
	enabled *pendingValue
	armed   map[string]pendingValue
}

func (p *pendingStop) empty() bool {
	return p.enabled == nil && len(p.armed) == 0
}

// confirmedStop holds the last values the server reported.
type confirmedStop struct {
	enabled opt.Field[bool]
	armed   map[string]bool
}

// Gate holds per-session deferred inputs and stop-gate reconciliation state.
type Gate struct {
	clock clock.Clock
	ttl   time.Duration
	log   zerolog.Logger

	mu        sync.Mutex
	queues    map[string][]session.PendingInput
	pending   map[string]*pendingStop
	confirmed map[string]*confirmedStop
}

// New creates a Gate. A pending local value older than ttl gives way to
// whatever the server reports.
func New(c clock.Clock, ttl time.Duration, log zerolog.Logger) *Gate {
	return &Gate{
		clock:     c,
		ttl:       ttl,
		log:       log.With().Str("component", "gate").Logger(),
		queues:    make(map[string][]session.PendingInput),
		pending:   make(map[string]*pendingStop),
		confirmed: make(map[string]*confirmedStop),
	}
}

// ApplyDeferred mutates id's queue from a deferred_input_updated event and
// returns the resulting queue. Adding an id already queued replaces the item
// in place.
func (g *Gate) ApplyDeferred(p protocol.DeferredInputUpdatedPayload) ([]session.PendingInput, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	q := g.queues[p.SessionID]
	switch p.Action {
	case protocol.DeferredAdded:
		if p.Pending == nil {
			return nil, fmt.Errorf("deferred input for %s: added without item", p.SessionID)
		}
		item := *p.Pending
		if i := slices.IndexFunc(q, func(v session.PendingInput) bool { return v.ID == item.ID }); i >= 0 {
			q[i] = item
		} else {
			q = append(q, item)
		}
		g.queues[p.SessionID] = q
	case protocol.DeferredRemoved:
		q = slices.DeleteFunc(q, func(v session.PendingInput) bool { return v.ID == p.PendingID })
		if len(q) == 0 {
			delete(g.queues, p.SessionID)
		} else {
			g.queues[p.SessionID] = q
		}
	case protocol.DeferredCleared:
		delete(g.queues, p.SessionID)
	default:
		return nil, fmt.Errorf("deferred input for %s: unknown action %q", p.SessionID, p.Action)
	}
	return slices.Clone(g.queues[p.SessionID]), nil
}

// Queue returns id's deferred inputs in delivery order.
func (g *Gate) Queue(id string) []session.PendingInput {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.queues[id])
}

// Forget drops everything held for id.
func (g *Gate) Forget(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.queues, id)
	delete(g.pending, id)
	delete(g.confirmed, id)
}

// SetStopInputsEnabled records a pending local value for the session-wide
// flag and returns the optimistic patch.
func (g *Gate) SetStopInputsEnabled(id string, enabled bool) session.Patch {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.pendingLocked(id)
	st.enabled = &pendingValue{value: enabled, at: g.clock.Now()}
	return session.Patch{ID: id, StopInputsEnabled: opt.Some(enabled)}
}

// ToggleStopPrompt records a pending armed value for one of s's prompts and
// returns the optimistic patch.
func (g *Gate) ToggleStopPrompt(s session.Session, promptID string, armed bool) (session.Patch, error) {
	prompts := slices.Clone(s.StopPrompts)
	i := slices.IndexFunc(prompts, func(p session.StopPrompt) bool { return p.ID == promptID })
	if i < 0 {
		return session.Patch{}, fmt.Errorf("%w: %s on session %s", ErrUnknownPrompt, promptID, s.ID)
	}
	prompts[i].Armed = armed

	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.pendingLocked(s.ID)
	st.armed[promptID] = pendingValue{value: armed, at: g.clock.Now()}
	return session.Patch{ID: s.ID, StopPrompts: opt.Some(prompts)}, nil
}

// HasPending reports whether id has unconfirmed local values.
func (g *Gate) HasPending(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[id]
	return ok
}

// Reconcile folds an authoritative update into the pending local values and
// returns the patch to merge into the registry. A field the update omits
// keeps its pending value. A field reported equal to the pending value
// confirms it. A field reported different keeps the pending value until the
// ttl runs out, after which the server's value wins.
func (g *Gate) Reconcile(p session.Patch) session.Patch {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.recordConfirmedLocked(p)

	st, ok := g.pending[p.ID]
	if !ok {
		return p
	}
	now := g.clock.Now()

	if pv := st.enabled; pv != nil {
		if v, ok := p.StopInputsEnabled.Get(); ok {
			switch {
			case v == pv.value:
				st.enabled = nil
			case now.Sub(pv.at) < g.ttl:
				p.StopInputsEnabled = opt.Some(pv.value)
			default:
				g.log.Debug().Str("session_id", p.ID).Msg("pending stop-inputs value expired")
				st.enabled = nil
			}
		}
	}

	if prompts, ok := p.StopPrompts.Get(); ok {
		prompts = slices.Clone(prompts)
		present := make(map[string]bool, len(prompts))
		for i, sp := range prompts {
			present[sp.ID] = true
			pv, ok := st.armed[sp.ID]
			if !ok {
				continue
			}
			switch {
			case sp.Armed == pv.value:
				delete(st.armed, sp.ID)
			case now.Sub(pv.at) < g.ttl:
				prompts[i].Armed = pv.value
			default:
				g.log.Debug().Str("session_id", p.ID).Str("prompt_id", sp.ID).Msg("pending prompt value expired")
				delete(st.armed, sp.ID)
			}
		}
		for id := range st.armed {
			if !present[id] {
				delete(st.armed, id)
			}
		}
		p.StopPrompts = opt.Some(prompts)
	}

	if st.empty() {
		delete(g.pending, p.ID)
	}
	return p
}

// Revert drops s's pending values, typically after the command carrying
// them failed, and returns the patch restoring the last confirmed values.
func (g *Gate) Revert(s session.Session) session.Patch {
	g.mu.Lock()
	defer g.mu.Unlock()

	p := session.Patch{ID: s.ID}
	st, ok := g.pending[s.ID]
	if !ok {
		return p
	}
	delete(g.pending, s.ID)
	conf := g.confirmed[s.ID]

	if pv := st.enabled; pv != nil {
		restored := !pv.value
		if conf != nil && conf.enabled.Set {
			restored = conf.enabled.Value
		}
		p.StopInputsEnabled = opt.Some(restored)
	}
	if len(st.armed) > 0 {
		prompts := slices.Clone(s.StopPrompts)
		for i, sp := range prompts {
			pv, ok := st.armed[sp.ID]
			if !ok {
				continue
			}
			restored := !pv.value
			if conf != nil {
				if v, ok := conf.armed[sp.ID]; ok {
					restored = v
				}
			}
			prompts[i].Armed = restored
		}
		p.StopPrompts = opt.Some(prompts)
	}
	return p
}

func (g *Gate) pendingLocked(id string) *pendingStop {
	st, ok := g.pending[id]
	if !ok {
		st = &pendingStop{armed: make(map[string]pendingValue)}
		g.pending[id] = st
	}
	return st
}

func (g *Gate) recordConfirmedLocked(p session.Patch) {
	v, enabledSet := p.StopInputsEnabled.Get()
	prompts, promptsSet := p.StopPrompts.Get()
	if !enabledSet && !promptsSet {
		return
	}
	conf, ok := g.confirmed[p.ID]
	if !ok {
		conf = &confirmedStop{armed: make(map[string]bool)}
		g.confirmed[p.ID] = conf
	}
	if enabledSet {
		conf.enabled = opt.Some(v)
	}
	if promptsSet {
		clear(conf.armed)
		for _, sp := range prompts {
			conf.armed[sp.ID] = sp.Armed
		}
	}
}
