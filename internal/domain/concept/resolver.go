package concept

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSettleWindow is how long search input must be stable before a
// lookup is issued.
const DefaultSettleWindow = 500 * time.Millisecond

// Timer is the part of *time.Timer the resolver needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d, like time.AfterFunc.
type AfterFunc func(d time.Duration, f func()) Timer

func timeAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Snapshot is the visible search state.
type Snapshot struct {
	Term     string     `json:"term"`
	Concepts []*Concept `json:"concepts"`
	Loading  bool       `json:"loading"`
	Error    string     `json:"error,omitempty"`
}

// Resolver debounces concept search input and keeps the results of the most
// recently issued lookup.
//
// Every keystroke and every reset takes a new token from seq. A debounce
// timer only issues its lookup if its token is still the latest, and a
// response is only accepted if its token is still the issued one; anything
// else is dropped no matter when it arrives.
type Resolver struct {
	searcher Searcher
	namer    Namer
	settle   time.Duration
	after    AfterFunc
	logger   zerolog.Logger
	onChange func()

	mu       sync.Mutex
	seq      uint64
	issued   uint64
	timer    Timer
	cancel   context.CancelFunc
	term     string
	concepts []*Concept
	loading  bool
	err      error
	closed   bool
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithSettleWindow overrides DefaultSettleWindow.
func WithSettleWindow(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d > 0 {
			r.settle = d
		}
	}
}

// WithAfterFunc replaces the timer source, e.g. with a manual clock.
func WithAfterFunc(f AfterFunc) ResolverOption {
	return func(r *Resolver) {
		if f != nil {
			r.after = f
		}
	}
}

// WithLogger sets the logger used for dropped responses and lookup errors.
func WithLogger(l zerolog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = l }
}

// WithOnChange registers a callback invoked after the visible search state
// changed. It is called without the resolver lock held.
func WithOnChange(f func()) ResolverOption {
	return func(r *Resolver) { r.onChange = f }
}

// NewResolver creates a resolver over the given collaborators.
func NewResolver(searcher Searcher, namer Namer, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		searcher: searcher,
		namer:    namer,
		settle:   DefaultSettleWindow,
		after:    timeAfterFunc,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Search restarts the settle window for term. Blank input is ignored.
func (r *Resolver) Search(term string) {
	term = strings.TrimSpace(term)
	if term == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.seq++
	token := r.seq
	r.timer = r.after(r.settle, func() { r.issue(token, term) })
}

// Pending reports whether a search term is waiting out the settle window.
func (r *Resolver) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil && r.seq != r.issued
}

func (r *Resolver) issue(token uint64, term string) {
	r.mu.Lock()
	if r.closed || token != r.seq {
		r.mu.Unlock()
		return
	}
	if r.cancel != nil {
		r.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.timer = nil
	r.issued = token
	r.term = term
	r.concepts = nil
	r.err = nil
	r.loading = true
	r.mu.Unlock()
	r.notify()

	concepts, err := r.searcher.SearchConcepts(ctx, term)

	r.mu.Lock()
	if r.closed || token != r.issued {
		r.mu.Unlock()
		r.logger.Debug().Str("term", term).Uint64("token", token).Msg("dropped stale concept search response")
		return
	}
	cancel()
	r.cancel = nil
	r.loading = false
	r.concepts = concepts
	r.err = err
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn().Err(err).Str("term", term).Msg("concept search failed")
	}
	r.notify()
}

// invalidate forgets the pending term and any in-flight lookup. Caller
// holds r.mu.
func (r *Resolver) invalidate() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.seq++
	r.issued = r.seq
	r.term = ""
	r.concepts = nil
	r.loading = false
	r.err = nil
}

// Clear drops the search term and its results.
func (r *Resolver) Clear() {
	r.mu.Lock()
	r.invalidate()
	r.mu.Unlock()
	r.notify()
}

// Select clears the search and derives mappings and answer candidates from c.
func (r *Resolver) Select(c *Concept) Selection {
	r.mu.Lock()
	r.invalidate()
	r.mu.Unlock()
	r.notify()
	return Derive(c)
}

// Close invalidates the pending timer and causes any in-flight response to
// be ignored. A closed resolver ignores further input.
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidate()
	r.closed = true
}

// Find returns the concept with the given uuid from the current results.
func (r *Resolver) Find(uuid string) (*Concept, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.concepts {
		if c.UUID == uuid {
			return c, true
		}
	}
	return nil, false
}

// Snapshot returns the visible search state.
func (r *Resolver) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{
		Term:     r.term,
		Concepts: append([]*Concept(nil), r.concepts...),
		Loading:  r.loading,
	}
	if r.err != nil {
		s.Error = r.err.Error()
	}
	return s
}

// Loading reports whether the most recently issued lookup is in flight.
func (r *Resolver) Loading() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loading
}

// LookupName resolves the display name of a linked concept.
func (r *Resolver) LookupName(ctx context.Context, conceptID string) (string, error) {
	if conceptID == "" || r.namer == nil {
		return "", nil
	}
	return r.namer.ResolveConceptName(ctx, conceptID)
}

func (r *Resolver) notify() {
	if r.onChange != nil {
		r.onChange()
	}
}
