package formschema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Renderings with extra options or behavior in the editor.
const (
	RenderingNumber         = "number"
	RenderingTextarea       = "textarea"
	RenderingSelectExtended = "ui-select-extended"
)

// ErrInvalidQuestion wraps every validation failure of a composed question.
var ErrInvalidQuestion = errors.New("invalid question")

// Draft is the transient edit state of a question. Zero values mean "keep
// the original value".
type Draft struct {
	ID        string `json:"id,omitempty"`
	Label     string `json:"label,omitempty"`
	Type      string `json:"type,omitempty"`
	Rendering string `json:"rendering,omitempty"`
	Required  *bool  `json:"required,omitempty"`

	// Min and Max apply to the number rendering, Rows to textarea.
	Min  string `json:"min,omitempty"`
	Max  string `json:"max,omitempty"`
	Rows int    `json:"rows,omitempty"`

	Concept            string           `json:"concept,omitempty"`
	ConceptMappings    []ConceptMapping `json:"conceptMappings,omitempty"`
	AnswersFromConcept []Answer         `json:"answersFromConcept,omitempty"`
	SelectedAnswers    []SelectedAnswer `json:"selectedAnswers,omitempty"`
	AnswersChanged     bool             `json:"answersChanged,omitempty"`
}

// ConceptChanged reports whether the draft links a different concept than
// the original question.
func (d Draft) ConceptChanged(original Question) bool {
	return d.Concept != "" && d.Concept != original.QuestionOptions.Concept
}

// EffectiveRendering is the rendering the question will have after saving.
func (d Draft) EffectiveRendering(original Question) string {
	if d.Rendering != "" {
		return d.Rendering
	}
	return original.QuestionOptions.Rendering
}

// Compose builds the replacement question: each draft field that is set
// overrides the original, answers always come from MergeAnswers.
func Compose(original Question, d Draft) Question {
	q := original.Clone()
	changed := d.ConceptChanged(original)

	if d.ID != "" {
		q.ID = d.ID
	}
	if d.Label != "" {
		q.Label = d.Label
	}
	if d.Type != "" {
		q.Type = d.Type
	}
	if d.Required != nil {
		q.Required = Required(*d.Required)
	}
	if d.Rendering != "" {
		q.QuestionOptions.Rendering = d.Rendering
	}
	if d.Concept != "" {
		q.QuestionOptions.Concept = d.Concept
	}

	switch {
	case changed:
		// Mappings follow the newly linked concept, even when it has none.
		q.QuestionOptions.ConceptMappings = append([]ConceptMapping{}, d.ConceptMappings...)
	case len(d.ConceptMappings) > 0:
		q.QuestionOptions.ConceptMappings = append([]ConceptMapping{}, d.ConceptMappings...)
	}

	q.QuestionOptions.Answers = MergeAnswers(MergeInput{
		ConceptChanged: changed,
		FromConcept:    d.AnswersFromConcept,
		Selected:       d.SelectedAnswers,
		Original:       q.QuestionOptions.Answers,
	})

	if d.Rendering != "" && d.Rendering != original.QuestionOptions.Rendering {
		dropRenderingOptions(&q.QuestionOptions)
	}
	switch q.QuestionOptions.Rendering {
	case RenderingNumber:
		setOption(&q.QuestionOptions, "min", d.Min)
		setOption(&q.QuestionOptions, "max", d.Max)
	case RenderingTextarea:
		if d.Rows > 0 {
			q.QuestionOptions.Extra = withRaw(q.QuestionOptions.Extra, "rows", json.RawMessage(strconv.Itoa(d.Rows)))
		}
	}
	return q
}

// dropRenderingOptions removes options that belong to a rendering other than
// the current one.
func dropRenderingOptions(o *QuestionOptions) {
	if o.Rendering != RenderingNumber {
		delete(o.Extra, "min")
		delete(o.Extra, "max")
	}
	if o.Rendering != RenderingTextarea {
		delete(o.Extra, "rows")
	}
}

func setOption(o *QuestionOptions, key, value string) {
	if value == "" {
		return
	}
	raw, _ := json.Marshal(value)
	o.Extra = withRaw(o.Extra, key, raw)
}

func withRaw(m map[string]json.RawMessage, key string, v json.RawMessage) map[string]json.RawMessage {
	if m == nil {
		m = make(map[string]json.RawMessage)
	}
	m[key] = v
	return m
}

// Rules are the checks a composed question must pass before it is written.
type Rules struct {
	QuestionTypes   []string
	FieldTypes      []string
	DuplicatePolicy DuplicatePolicy
}

// Validate checks q, composed from original, against the schema it is about
// to be written into. Type and rendering are only checked against the
// configured lists when the edit changed them.
func (r Rules) Validate(s *Schema, original, q Question) error {
	if q.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidQuestion)
	}
	if q.Type != original.Type && !contains(r.QuestionTypes, q.Type) {
		return fmt.Errorf("%w: unknown question type %q", ErrInvalidQuestion, q.Type)
	}
	rendering := q.QuestionOptions.Rendering
	if rendering != original.QuestionOptions.Rendering && !contains(r.FieldTypes, rendering) {
		return fmt.Errorf("%w: unknown field type %q", ErrInvalidQuestion, rendering)
	}
	if r.DuplicatePolicy == DuplicateBlock && IsIDTaken(s, original.ID, q.ID) {
		return fmt.Errorf("%w: %q", ErrDuplicateQuestionID, q.ID)
	}
	return nil
}

// contains reports whether v is in list; an empty list accepts anything.
func contains(list []string, v string) bool {
	if len(list) == 0 {
		return true
	}
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
