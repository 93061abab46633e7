package editsession

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/formbuilder/internal/domain/concept"
	"github.com/ehr/formbuilder/internal/domain/formschema"
)

var ErrSessionNotFound = errors.New("edit session not found")

// SaveResult is what a successful save hands back to the caller.
type SaveResult struct {
	Schema *formschema.Schema `json:"schema"`
	Ack    Acknowledgment     `json:"acknowledgment"`
}

// Recorder receives session lifecycle events, e.g. for metrics.
type Recorder interface {
	SessionEvent(event string)
	SetOpenSessions(n int)
}

// Notifier pushes session events to interested clients.
type Notifier interface {
	NotifySession(sessionID, eventType string, data interface{})
}

// Event types sent through the Notifier.
const (
	EventQuestionEdit  = "question.edit"
	EventModal         = "modal"
	EventSchemaChanged = "schema.changed"
	EventIndicesReset  = "indices.reset"
	EventAcknowledge   = "acknowledgment"
	EventSearch        = "search"
)

type nopRecorder struct{}

func (nopRecorder) SessionEvent(string) {}
func (nopRecorder) SetOpenSessions(int) {}

// Service keeps the open edit sessions of the server. A session is
// forgotten once it was saved or cancelled.
type Service struct {
	source   concept.Source
	opts     Options
	logger   zerolog.Logger
	recorder Recorder
	notifier Notifier

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

func NewService(source concept.Source, opts Options) *Service {
	return &Service{
		source:   source,
		opts:     opts,
		logger:   opts.Logger,
		recorder: nopRecorder{},
		sessions: make(map[uuid.UUID]*Session),
	}
}

// WithNotifier sets the notifier that receives session callbacks and
// search updates.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithRecorder sets the recorder for session lifecycle events.
func (s *Service) WithRecorder(r Recorder) *Service {
	if r != nil {
		s.recorder = r
	}
	return s
}

// StartSession opens a session on the question at pos of schema.
func (s *Service) StartSession(schema *formschema.Schema, pos formschema.Position) (*Session, error) {
	if schema == nil {
		return nil, fmt.Errorf("%w: schema is required", formschema.ErrInvalidQuestion)
	}
	sess, live := s.newSession()
	if err := sess.Open(schema, pos); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	n := len(s.sessions)
	s.mu.Unlock()
	live.Store(true)

	s.recorder.SessionEvent("opened")
	s.recorder.SetOpenSessions(n)
	s.logger.Debug().Str("session_id", sess.ID().String()).Int("open_sessions", n).Msg("session registered")
	return sess, nil
}

// newSession creates a session whose callbacks and search updates are
// forwarded to the notifier once live is set. Nothing can subscribe to a
// session before it is registered, so the opening state is only returned to
// the caller that started it.
func (s *Service) newSession() (*Session, *atomic.Bool) {
	live := new(atomic.Bool)
	if s.notifier == nil {
		return New(s.source, Callbacks{}, s.opts), live
	}

	var sess *Session
	n := s.notifier
	notify := func(eventType string, data func() interface{}) {
		if live.Load() {
			n.NotifySession(sess.ID().String(), eventType, data())
		}
	}
	opts := s.opts
	opts.ResolverOptions = append(append([]concept.ResolverOption(nil), s.opts.ResolverOptions...),
		concept.WithOnChange(func() {
			notify(EventSearch, func() interface{} { return sess.resolver.Snapshot() })
		}))
	sess = New(s.source, Callbacks{
		OnSchemaChange: func(schema *formschema.Schema) {
			notify(EventSchemaChanged, func() interface{} { return schema })
		},
		OnQuestionEdit: func(q *formschema.Question) {
			notify(EventQuestionEdit, func() interface{} { return q })
		},
		OnModalChange: func(open bool) {
			notify(EventModal, func() interface{} { return map[string]bool{"open": open} })
		},
		ResetIndices:  func() { notify(EventIndicesReset, func() interface{} { return nil }) },
		OnAcknowledge: func(ack Acknowledgment) { notify(EventAcknowledge, func() interface{} { return ack }) },
	}, opts)
	return sess, live
}

// GetSession returns the open session with the given id.
func (s *Service) GetSession(id uuid.UUID) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// SaveSession saves the session's draft. A failed save keeps the session
// open so the draft can be corrected.
func (s *Service) SaveSession(id uuid.UUID) (*SaveResult, error) {
	sess, err := s.GetSession(id)
	if err != nil {
		return nil, err
	}
	schema, err := sess.Save()
	if err != nil {
		s.recorder.SessionEvent("save_failed")
		return nil, err
	}
	s.forget(id)
	s.recorder.SessionEvent("saved")

	res := &SaveResult{Schema: schema}
	if ack := sess.View().Ack; ack != nil {
		res.Ack = *ack
	}
	return res, nil
}

// CancelSession discards the session's draft.
func (s *Service) CancelSession(id uuid.UUID) error {
	sess, err := s.GetSession(id)
	if err != nil {
		return err
	}
	if err := sess.Cancel(); err != nil {
		return err
	}
	s.forget(id)
	s.recorder.SessionEvent("cancelled")
	return nil
}

func (s *Service) forget(id uuid.UUID) {
	s.mu.Lock()
	delete(s.sessions, id)
	n := len(s.sessions)
	s.mu.Unlock()
	s.recorder.SetOpenSessions(n)
}

// Len returns the number of open sessions.
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Close cancels every open session. Used on shutdown.
func (s *Service) Close() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[uuid.UUID]*Session)
	s.mu.Unlock()
	s.recorder.SetOpenSessions(0)

	for _, sess := range sessions {
		_ = sess.Cancel()
	}
	if len(sessions) > 0 {
		s.logger.Info().Int("sessions", len(sessions)).Msg("cancelled open edit sessions")
	}
}
