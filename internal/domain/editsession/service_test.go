package editsession

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/formbuilder/internal/domain/concept"
	"github.com/ehr/formbuilder/internal/domain/formschema"
)

func newTestService(rules formschema.Rules) (*Service, *fakeClock) {
	clock := &fakeClock{}
	svc := NewService(newFakeSource(), Options{
		Rules:           rules,
		ResolverOptions: []concept.ResolverOption{concept.WithAfterFunc(clock.AfterFunc)},
		Logger:          zerolog.Nop(),
	})
	return svc, clock
}

func TestService_StartAndGet(t *testing.T) {
	svc, _ := newTestService(formschema.Rules{})
	sess, err := svc.StartSession(parseSchema(t), formschema.Position{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	got, err := svc.GetSession(sess.ID())
	if err != nil || got != sess {
		t.Fatalf("expected registered session, got %v (%v)", got, err)
	}
	if svc.Len() != 1 {
		t.Errorf("expected 1 session, got %d", svc.Len())
	}
}

func TestService_StartInvalidPosition(t *testing.T) {
	svc, _ := newTestService(formschema.Rules{})
	if _, err := svc.StartSession(parseSchema(t), formschema.Position{Section: 7}); !errors.Is(err, formschema.ErrNoQuestion) {
		t.Errorf("expected ErrNoQuestion, got %v", err)
	}
	if _, err := svc.StartSession(nil, formschema.Position{}); err == nil {
		t.Error("expected error for missing schema")
	}
	if svc.Len() != 0 {
		t.Errorf("failed starts must not register sessions, got %d", svc.Len())
	}
}

func TestService_GetUnknown(t *testing.T) {
	svc, _ := newTestService(formschema.Rules{})
	if _, err := svc.GetSession(uuid.New()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestService_SaveForgetsSession(t *testing.T) {
	svc, _ := newTestService(formschema.Rules{})
	sess, _ := svc.StartSession(parseSchema(t), formschema.Position{})

	label := "Smoker?"
	_ = sess.Update(DraftUpdate{Label: &label})
	res, err := svc.SaveSession(sess.ID())
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if res.Ack.Kind != "success" {
		t.Errorf("expected success acknowledgment, got %+v", res.Ack)
	}
	if q, _ := res.Schema.QuestionAt(formschema.Position{}); q.Label != "Smoker?" {
		t.Errorf("expected saved label, got %q", q.Label)
	}
	if _, err := svc.GetSession(sess.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected session to be forgotten, got %v", err)
	}
}

func TestService_FailedSaveKeepsSession(t *testing.T) {
	svc, _ := newTestService(formschema.Rules{DuplicatePolicy: formschema.DuplicateBlock})
	sess, _ := svc.StartSession(parseSchema(t), formschema.Position{})

	id := "weight"
	_ = sess.Update(DraftUpdate{ID: &id})
	if _, err := svc.SaveSession(sess.ID()); !errors.Is(err, formschema.ErrDuplicateQuestionID) {
		t.Fatalf("expected ErrDuplicateQuestionID, got %v", err)
	}
	if _, err := svc.GetSession(sess.ID()); err != nil {
		t.Errorf("expected session to stay registered, got %v", err)
	}
}

func TestService_CancelAndClose(t *testing.T) {
	svc, _ := newTestService(formschema.Rules{})
	a, _ := svc.StartSession(parseSchema(t), formschema.Position{})
	b, _ := svc.StartSession(parseSchema(t), formschema.Position{Question: 1})

	if err := svc.CancelSession(a.ID()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := svc.CancelSession(a.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}

	svc.Close()
	if svc.Len() != 0 {
		t.Errorf("expected no sessions after close, got %d", svc.Len())
	}
	if b.State() != Closed {
		t.Errorf("expected session to be cancelled, got %s", b.State())
	}
}

type eventLog struct {
	events []string
	open   int
}

func (l *eventLog) SessionEvent(event string) { l.events = append(l.events, event) }
func (l *eventLog) SetOpenSessions(n int)     { l.open = n }

func TestService_RecordsLifecycle(t *testing.T) {
	svc, _ := newTestService(formschema.Rules{DuplicatePolicy: formschema.DuplicateBlock})
	log := &eventLog{}
	svc.WithRecorder(log)

	a, _ := svc.StartSession(parseSchema(t), formschema.Position{})
	b, _ := svc.StartSession(parseSchema(t), formschema.Position{Question: 1})
	if log.open != 2 {
		t.Errorf("expected 2 open sessions, got %d", log.open)
	}

	id := "weight"
	_ = a.Update(DraftUpdate{ID: &id})
	_, _ = svc.SaveSession(a.ID())
	id = "smoker_status"
	_ = a.Update(DraftUpdate{ID: &id})
	if _, err := svc.SaveSession(a.ID()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := svc.CancelSession(b.ID()); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	want := []string{"opened", "opened", "save_failed", "saved", "cancelled"}
	if len(log.events) != len(want) {
		t.Fatalf("expected events %v, got %v", want, log.events)
	}
	for i := range want {
		if log.events[i] != want[i] {
			t.Errorf("event %d: expected %q, got %q", i, want[i], log.events[i])
		}
	}
	if log.open != 0 {
		t.Errorf("expected 0 open sessions, got %d", log.open)
	}
}

type notification struct {
	session   string
	eventType string
	data      interface{}
}

type notifierLog struct {
	mu    sync.Mutex
	items []notification
}

func (l *notifierLog) NotifySession(sessionID, eventType string, data interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, notification{sessionID, eventType, data})
}

func (l *notifierLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.items))
	for _, n := range l.items {
		out = append(out, n.eventType)
	}
	return out
}

func (l *notifierLog) reset() {
	l.mu.Lock()
	l.items = nil
	l.mu.Unlock()
}

func TestService_NotifiesSessionEvents(t *testing.T) {
	svc, clock := newTestService(formschema.Rules{})
	log := &notifierLog{}
	svc.WithNotifier(log)

	sess, err := svc.StartSession(parseSchema(t), formschema.Position{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := log.types(); len(got) != 0 {
		t.Fatalf("expected no events before the session is registered, got %v", got)
	}
	if v := sess.View(); v.State != Editing || v.Original == nil {
		t.Errorf("expected the opening state in the returned view, got %+v", v)
	}

	_ = sess.Search("smoking")
	clock.Fire()
	got := log.types()
	if len(got) != 2 || got[0] != EventSearch || got[1] != EventSearch {
		t.Fatalf("expected loading and result search events, got %v", got)
	}
	for _, n := range log.items {
		if n.session != sess.ID().String() {
			t.Errorf("expected events for %s, got %s", sess.ID(), n.session)
		}
	}
	last := log.items[1].data.(concept.Snapshot)
	if last.Loading || len(last.Concepts) != 2 {
		t.Errorf("expected settled results, got %+v", last)
	}

	log.reset()
	if _, err := svc.SaveSession(sess.ID()); err != nil {
		t.Fatalf("save: %v", err)
	}
	want := []string{EventSchemaChanged, EventIndicesReset, EventQuestionEdit, EventModal, EventAcknowledge}
	got = log.types()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}
