package editsession

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/formbuilder/internal/domain/concept"
	"github.com/ehr/formbuilder/internal/domain/formschema"
)

var (
	ErrSessionClosed       = errors.New("edit session is closed")
	ErrInvalidTransition   = errors.New("operation not allowed in current session state")
	ErrConceptNotInResults = errors.New("concept is not among the current search results")
	ErrSearchDisabled      = errors.New("concept search is not available for this field type")
	ErrUnknownAnswer       = errors.New("answer is not offered for this question")
)

// State is the lifecycle state of an edit session.
type State int

const (
	Closed State = iota
	Editing
	Searching
	Saving
)

func (s State) String() string {
	switch s {
	case Editing:
		return "editing"
	case Searching:
		return "searching"
	case Saving:
		return "saving"
	default:
		return "closed"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Acknowledgment is the user-facing outcome of a save.
type Acknowledgment struct {
	Kind        string `json:"kind"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Callbacks are invoked by the session to tell its owner about changes.
// Nil callbacks are skipped. They run without the session lock held.
type Callbacks struct {
	OnSchemaChange func(schema *formschema.Schema)
	OnQuestionEdit func(question *formschema.Question)
	OnModalChange  func(open bool)
	ResetIndices   func()
	OnAcknowledge  func(ack Acknowledgment)
}

// Options configure a session.
type Options struct {
	Rules           formschema.Rules
	ResolverOptions []concept.ResolverOption
	NameTimeout     time.Duration
	Logger          zerolog.Logger
}

// DraftUpdate sets draft fields; nil fields are left alone and empty
// strings reset a field to the original value.
type DraftUpdate struct {
	ID        *string `json:"id"`
	Label     *string `json:"label"`
	Type      *string `json:"type"`
	Rendering *string `json:"rendering"`
	Required  *bool   `json:"required"`
	Min       *string `json:"min"`
	Max       *string `json:"max"`
	Rows      *int    `json:"rows"`
}

// IDCheck is the live feedback for the question id field.
type IDCheck struct {
	Candidate string `json:"candidate"`
	Taken     bool   `json:"taken"`
	Message   string `json:"message,omitempty"`
}

// Session edits one question of a schema. It starts Closed, is opened once
// on a question, and ends Closed after a successful save or a cancel.
type Session struct {
	id        uuid.UUID
	rules     formschema.Rules
	callbacks Callbacks
	resolver  *concept.Resolver
	timeout   time.Duration
	logger    zerolog.Logger

	mu          sync.Mutex
	state       State
	finished    bool
	schema      *formschema.Schema
	handle      formschema.Handle
	original    formschema.Question
	draft       formschema.Draft
	selected    *concept.Concept
	nameToken   uint64
	cancelName  context.CancelFunc
	conceptName string
	nameLoading bool
	nameErr     error
	lastAck     *Acknowledgment
}

// New creates a Closed session over the concept source.
func New(source concept.Source, callbacks Callbacks, opts Options) *Session {
	id := uuid.New()
	logger := opts.Logger.With().Str("session_id", id.String()).Logger()
	timeout := opts.NameTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	resolverOpts := append([]concept.ResolverOption{concept.WithLogger(logger)}, opts.ResolverOptions...)
	return &Session{
		id:        id,
		rules:     opts.Rules,
		callbacks: callbacks,
		resolver:  concept.NewResolver(source, source, resolverOpts...),
		timeout:   timeout,
		logger:    logger,
	}
}

// ID returns the session id.
func (s *Session) ID() uuid.UUID { return s.id }

// State returns the current state. An open session with a concept lookup
// pending or in flight is Searching.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentState()
}

func (s *Session) currentState() State {
	if s.state == Editing && (s.resolver.Pending() || s.resolver.Loading()) {
		return Searching
	}
	return s.state
}

// Open loads the question at pos into a fresh draft.
func (s *Session) Open(schema *formschema.Schema, pos formschema.Position) error {
	s.mu.Lock()
	if s.finished || s.state != Closed {
		s.mu.Unlock()
		return fmt.Errorf("%w: open from %s", ErrInvalidTransition, s.state)
	}
	handle, err := schema.HandleAt(pos)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("open question: %w", err)
	}
	q, _ := schema.QuestionAt(pos)

	s.schema = schema
	s.handle = handle
	s.original = q.Clone()
	s.draft = formschema.Draft{}
	s.selected = nil
	s.lastAck = nil
	s.state = Editing
	s.startNameLookup(s.original.QuestionOptions.Concept)
	editing := s.original.Clone()
	s.mu.Unlock()

	s.logger.Info().Str("question_id", handle.QuestionID).Str("position", pos.String()).Msg("edit session opened")
	if s.callbacks.OnQuestionEdit != nil {
		s.callbacks.OnQuestionEdit(&editing)
	}
	if s.callbacks.OnModalChange != nil {
		s.callbacks.OnModalChange(true)
	}
	return nil
}

// startNameLookup resolves the linked concept's name in the background.
// Caller holds s.mu.
func (s *Session) startNameLookup(conceptID string) {
	s.nameToken++
	token := s.nameToken
	if conceptID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	s.cancelName = cancel
	s.nameLoading = true

	go func() {
		defer cancel()
		name, err := s.resolver.LookupName(ctx, conceptID)

		s.mu.Lock()
		defer s.mu.Unlock()
		if token != s.nameToken {
			return
		}
		s.nameLoading = false
		s.conceptName = name
		s.nameErr = err
		if err != nil {
			s.logger.Warn().Err(err).Str("concept", conceptID).Msg("concept name lookup failed")
		}
	}()
}

func (s *Session) requireOpen() error {
	switch s.state {
	case Closed:
		return ErrSessionClosed
	case Saving:
		return fmt.Errorf("%w: save in progress", ErrInvalidTransition)
	}
	return nil
}

// Update applies draft field edits. An invalid update leaves the draft
// untouched.
func (s *Session) Update(u DraftUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return err
	}
	if u.Rows != nil && *u.Rows < 0 {
		return fmt.Errorf("%w: rows must not be negative", formschema.ErrInvalidQuestion)
	}
	if u.ID != nil {
		s.draft.ID = *u.ID
	}
	if u.Label != nil {
		s.draft.Label = *u.Label
	}
	if u.Type != nil {
		s.draft.Type = *u.Type
	}
	if u.Rendering != nil {
		s.draft.Rendering = *u.Rendering
		if s.draft.Rendering == formschema.RenderingSelectExtended {
			s.resolver.Clear()
		}
	}
	if u.Required != nil {
		v := *u.Required
		s.draft.Required = &v
	}
	if u.Min != nil {
		s.draft.Min = *u.Min
	}
	if u.Max != nil {
		s.draft.Max = *u.Max
	}
	if u.Rows != nil {
		s.draft.Rows = *u.Rows
	}
	return nil
}

// CheckID reports whether candidate collides with another question's id.
// The check is advisory unless the duplicate policy blocks saving.
func (s *Session) CheckID(candidate string) IDCheck {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := IDCheck{Candidate: candidate}
	if s.state == Closed {
		return c
	}
	c.Taken = formschema.IsIDTaken(s.schema, s.original.ID, candidate)
	if c.Taken {
		c.Message = formschema.ErrDuplicateQuestionID.Error()
	}
	return c
}

// Search feeds search box input to the debounced concept lookup.
func (s *Session) Search(term string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return err
	}
	if s.draft.EffectiveRendering(s.original) == formschema.RenderingSelectExtended {
		return ErrSearchDisabled
	}
	s.resolver.Search(term)
	return nil
}

// ClearSearch empties the search box. Like the search field's clear
// button, it also unlinks a concept picked in this session.
func (s *Session) ClearSearch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return err
	}
	s.resolver.Clear()
	if s.selected != nil {
		s.selected = nil
		s.draft.Concept = ""
		s.draft.ConceptMappings = nil
		s.draft.AnswersFromConcept = nil
		s.draft.SelectedAnswers = nil
	}
	return nil
}

// SelectConcept links the concept with the given uuid from the current
// search results to the draft.
func (s *Session) SelectConcept(conceptUUID string) (concept.Selection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return concept.Selection{}, err
	}
	c, ok := s.resolver.Find(conceptUUID)
	if !ok {
		return concept.Selection{}, fmt.Errorf("%w: %s", ErrConceptNotInResults, conceptUUID)
	}
	sel := s.resolver.Select(c)
	s.selected = c
	s.draft.Concept = c.UUID
	s.draft.ConceptMappings = sel.ConceptMappings
	s.draft.AnswersFromConcept = sel.AnswersFromConcept
	s.draft.SelectedAnswers = nil
	s.logger.Debug().Str("concept", c.UUID).Bool("changed", s.draft.ConceptChanged(s.original)).Msg("concept selected")
	return sel, nil
}

// AnswerOptions lists the answers the selection widget offers: the new
// concept's answers after a concept change, the original answers otherwise.
func (s *Session) AnswerOptions() []formschema.SelectedAnswer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answerOptions()
}

func (s *Session) answerOptions() []formschema.SelectedAnswer {
	if s.draft.ConceptChanged(s.original) {
		return formschema.AsSelected(s.draft.AnswersFromConcept)
	}
	return formschema.AsSelected(s.original.QuestionOptions.Answers)
}

// SelectAnswers records the explicit answer picks.
func (s *Session) SelectAnswers(picks []formschema.SelectedAnswer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return err
	}
	offered := make(map[string]bool)
	for _, o := range s.answerOptions() {
		offered[o.ID] = true
	}
	for _, p := range picks {
		if !offered[p.ID] {
			return fmt.Errorf("%w: %s", ErrUnknownAnswer, p.ID)
		}
	}
	s.draft.SelectedAnswers = append([]formschema.SelectedAnswer{}, picks...)
	if !s.draft.ConceptChanged(s.original) {
		s.draft.AnswersChanged = true
	}
	return nil
}

// Save composes the edited question, validates it and swaps it into a new
// schema. On failure the session stays open with the draft intact.
func (s *Session) Save() (*formschema.Schema, error) {
	s.mu.Lock()
	switch st := s.currentState(); st {
	case Editing:
	case Closed:
		s.mu.Unlock()
		return nil, ErrSessionClosed
	default:
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: save from %s", ErrInvalidTransition, st)
	}
	s.state = Saving

	next, err := s.commit()
	if err != nil {
		s.state = Editing
		ack := Acknowledgment{Kind: "error", Title: "Error updating question", Description: err.Error()}
		s.lastAck = &ack
		s.mu.Unlock()

		s.logger.Warn().Err(err).Str("question_id", s.handle.QuestionID).Msg("question update failed")
		if s.callbacks.OnAcknowledge != nil {
			s.callbacks.OnAcknowledge(ack)
		}
		return nil, err
	}

	s.schema = next
	s.close()
	ack := Acknowledgment{Kind: "success", Title: "Success!", Description: "Question updated"}
	s.lastAck = &ack
	s.mu.Unlock()

	s.logger.Info().Str("question_id", s.handle.QuestionID).Msg("question updated")
	cb := s.callbacks
	if cb.OnSchemaChange != nil {
		cb.OnSchemaChange(next)
	}
	if cb.ResetIndices != nil {
		cb.ResetIndices()
	}
	if cb.OnQuestionEdit != nil {
		cb.OnQuestionEdit(nil)
	}
	if cb.OnModalChange != nil {
		cb.OnModalChange(false)
	}
	if cb.OnAcknowledge != nil {
		cb.OnAcknowledge(ack)
	}
	return next, nil
}

// commit builds the replacement question and the schema holding it without
// touching s.schema. Caller holds s.mu.
func (s *Session) commit() (next *formschema.Schema, err error) {
	defer func() {
		if r := recover(); r != nil {
			next, err = nil, fmt.Errorf("compose question: %v", r)
		}
	}()
	q := formschema.Compose(s.original, s.draft)
	if err := s.rules.Validate(s.schema, s.original, q); err != nil {
		return nil, err
	}
	return s.schema.ReplaceQuestion(s.handle, q)
}

// Cancel discards the draft and closes the session; the schema is untouched.
func (s *Session) Cancel() error {
	s.mu.Lock()
	if err := s.requireOpen(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.close()
	s.mu.Unlock()

	s.logger.Info().Str("question_id", s.handle.QuestionID).Msg("edit session cancelled")
	if s.callbacks.OnModalChange != nil {
		s.callbacks.OnModalChange(false)
	}
	return nil
}

// close ends the session for good. Caller holds s.mu.
func (s *Session) close() {
	s.resolver.Close()
	s.nameToken++
	if s.cancelName != nil {
		s.cancelName()
		s.cancelName = nil
	}
	s.nameLoading = false
	s.draft = formschema.Draft{}
	s.selected = nil
	s.state = Closed
	s.finished = true
}

// Schema returns the schema the session currently holds: the one it was
// opened on, or the updated one after a successful save.
func (s *Session) Schema() *formschema.Schema {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schema
}

// View is a point-in-time picture of the session for display.
type View struct {
	ID            uuid.UUID                   `json:"id"`
	State         State                       `json:"state"`
	Position      *formschema.Position        `json:"position,omitempty"`
	Original      *formschema.Question        `json:"original,omitempty"`
	Preview       *formschema.Question        `json:"preview,omitempty"`
	Draft         formschema.Draft            `json:"draft"`
	ConceptName   string                      `json:"conceptName,omitempty"`
	NameLoading   bool                        `json:"conceptNameLoading"`
	NameError     string                      `json:"conceptNameError,omitempty"`
	Search        concept.Snapshot            `json:"search"`
	AnswerOptions []formschema.SelectedAnswer `json:"answerOptions"`
	Ack           *Acknowledgment             `json:"acknowledgment,omitempty"`
}

// View returns the current session picture. Preview is the question a save
// would write right now.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{
		ID:          s.id,
		State:       s.currentState(),
		Draft:       s.draft,
		ConceptName: s.conceptName,
		NameLoading: s.nameLoading,
		Search:      s.resolver.Snapshot(),
		Ack:         s.lastAck,
	}
	if s.nameErr != nil {
		v.NameError = s.nameErr.Error()
	}
	if s.schema == nil {
		return v
	}
	if pos, err := s.schema.Resolve(s.handle); err == nil {
		v.Position = &pos
	}
	original := s.original.Clone()
	v.Original = &original
	if s.state != Closed {
		preview := formschema.Compose(s.original, s.draft)
		v.Preview = &preview
		v.AnswerOptions = s.answerOptions()
	}
	return v
}
