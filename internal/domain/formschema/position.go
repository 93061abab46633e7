package formschema

import (
	"errors"
	"fmt"
)

// ErrStaleHandle is returned when a handle no longer resolves to the question
// it was taken from.
var ErrStaleHandle = errors.New("question handle is stale")

// ErrNoQuestion is returned for a position outside the schema.
var ErrNoQuestion = errors.New("no question at position")

// Position addresses a question slot by page, section and question index.
type Position struct {
	Page     int `json:"pageIndex"`
	Section  int `json:"sectionIndex"`
	Question int `json:"questionIndex"`
}

func (p Position) String() string {
	return fmt.Sprintf("pages[%d].sections[%d].questions[%d]", p.Page, p.Section, p.Question)
}

// Handle is a position together with the id of the question found there when
// the handle was taken. Writes resolve the handle again so that a tree whose
// shape changed in between does not receive the write in the wrong slot.
type Handle struct {
	Position   Position `json:"position"`
	QuestionID string   `json:"questionId"`
}

// QuestionAt returns the question at p.
func (s *Schema) QuestionAt(p Position) (*Question, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: schema is nil", ErrNoQuestion)
	}
	if p.Page < 0 || p.Page >= len(s.Pages) {
		return nil, fmt.Errorf("%w: page index %d out of range", ErrNoQuestion, p.Page)
	}
	page := &s.Pages[p.Page]
	if p.Section < 0 || p.Section >= len(page.Sections) {
		return nil, fmt.Errorf("%w: section index %d out of range", ErrNoQuestion, p.Section)
	}
	section := &page.Sections[p.Section]
	if p.Question < 0 || p.Question >= len(section.Questions) {
		return nil, fmt.Errorf("%w: question index %d out of range", ErrNoQuestion, p.Question)
	}
	return &section.Questions[p.Question], nil
}

// HandleAt takes a handle on the question at p.
func (s *Schema) HandleAt(p Position) (Handle, error) {
	q, err := s.QuestionAt(p)
	if err != nil {
		return Handle{}, err
	}
	return Handle{Position: p, QuestionID: q.ID}, nil
}

// Find returns the positions of every question with the given id.
func (s *Schema) Find(id string) []Position {
	var found []Position
	for pi, page := range s.Pages {
		for si, section := range page.Sections {
			for qi, q := range section.Questions {
				if q.ID == id {
					found = append(found, Position{Page: pi, Section: si, Question: qi})
				}
			}
		}
	}
	return found
}

// Resolve returns the current position of the question the handle refers
// to. The recorded position wins while it still holds the same id; otherwise
// the id is looked up and must be unique.
func (s *Schema) Resolve(h Handle) (Position, error) {
	if q, err := s.QuestionAt(h.Position); err == nil && q.ID == h.QuestionID {
		return h.Position, nil
	}
	found := s.Find(h.QuestionID)
	if len(found) != 1 {
		return Position{}, fmt.Errorf("%w: %q matches %d questions", ErrStaleHandle, h.QuestionID, len(found))
	}
	return found[0], nil
}

// ReplaceQuestion returns a copy of the schema in which the question the
// handle refers to is replaced by q. Only the page, section and question
// slices on the path are copied; s itself is left untouched.
func (s *Schema) ReplaceQuestion(h Handle, q Question) (*Schema, error) {
	pos, err := s.Resolve(h)
	if err != nil {
		return nil, err
	}

	out := *s
	out.Pages = append([]Page(nil), s.Pages...)

	page := out.Pages[pos.Page]
	page.Sections = append([]Section(nil), page.Sections...)

	section := page.Sections[pos.Section]
	section.Questions = append([]Question(nil), section.Questions...)
	section.Questions[pos.Question] = q

	page.Sections[pos.Section] = section
	out.Pages[pos.Page] = page
	return &out, nil
}
