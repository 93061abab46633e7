package formschema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Schema is the root of a clinical form: an ordered list of pages. Keys the
// builder does not edit (name, uuid, encounterType, processor, ...) are kept
// in Extra and written back unchanged.
type Schema struct {
	Pages []Page                     `json:"pages"`
	Extra map[string]json.RawMessage `json:"-"`

	src *source
}

// Page is an ordered list of sections.
type Page struct {
	Label    string                     `json:"label"`
	Sections []Section                  `json:"sections"`
	Extra    map[string]json.RawMessage `json:"-"`

	src *source
}

// Section is an ordered list of questions.
type Section struct {
	Label     string                     `json:"label"`
	Questions []Question                 `json:"questions"`
	Extra     map[string]json.RawMessage `json:"-"`

	src *source
}

// Question is a single form field.
type Question struct {
	ID              string                     `json:"id"`
	Label           string                     `json:"label"`
	Type            string                     `json:"type"`
	Required        Required                   `json:"required"`
	QuestionOptions QuestionOptions            `json:"questionOptions"`
	Extra           map[string]json.RawMessage `json:"-"`

	src *source
}

// QuestionOptions holds the rendering and concept binding of a question.
type QuestionOptions struct {
	Rendering       string                     `json:"rendering"`
	Concept         string                     `json:"concept,omitempty"`
	ConceptMappings []ConceptMapping           `json:"conceptMappings,omitempty"`
	Answers         []Answer                   `json:"answers,omitempty"`
	Extra           map[string]json.RawMessage `json:"-"`

	src *source
}

func (o QuestionOptions) isZero() bool {
	return o.Rendering == "" && o.Concept == "" && o.ConceptMappings == nil &&
		o.Answers == nil && len(o.Extra) == 0
}

// ConceptMapping links a concept to a code in an external terminology.
type ConceptMapping struct {
	Relationship string                     `json:"relationship"`
	Type         string                     `json:"type"`
	Value        string                     `json:"value"`
	Extra        map[string]json.RawMessage `json:"-"`

	src *source
}

// Answer is a concept-backed option of a coded question.
type Answer struct {
	Concept string                     `json:"concept"`
	Label   string                     `json:"label"`
	Extra   map[string]json.RawMessage `json:"-"`

	src *source
}

// Required is the normalized "required" flag of a question. Form schemas in
// the wild store it either as a JSON boolean or as a string, so decoding
// accepts both; a string counts as true when it contains "true".
type Required bool

func (r *Required) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*r = Required(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*r = Required(strings.Contains(s, "true"))
		return nil
	}
	return fmt.Errorf("required: unsupported value %s", string(data))
}

func (r Required) MarshalJSON() ([]byte, error) {
	return json.Marshal(bool(r))
}

// Bool returns the flag as a plain bool.
func (r Required) Bool() bool { return bool(r) }

func sameRequired(v Required) func(json.RawMessage) bool {
	return func(raw json.RawMessage) bool {
		var r Required
		return json.Unmarshal(raw, &r) == nil && r == v
	}
}

// -- JSON codec --
//
// Decoding remembers the key order and raw values of every object. Encoding
// writes keys in that order, keeps the raw bytes of scalars whose value did
// not change, and only writes an empty modelled key when the source had it.
// An unedited document therefore encodes to its own compact form.

var (
	schemaKeys   = []string{"pages"}
	pageKeys     = []string{"label", "sections"}
	sectionKeys  = []string{"label", "questions"}
	questionKeys = []string{"id", "label", "type", "required", "questionOptions"}
	optionKeys   = []string{"rendering", "concept", "conceptMappings", "answers"}
	mappingKeys  = []string{"relationship", "type", "value"}
	answerKeys   = []string{"concept", "label"}
)

func stringField(key, v string) field {
	return field{key: key, value: v, zero: v == "", same: sameString(v)}
}

// listField writes a nil list only when the source had the key as null.
func listField(src *source, key string, v interface{}, isNil bool) (field, bool) {
	if isNil && (!src.has(key) || string(src.values[key]) != "null") {
		return field{}, false
	}
	return field{key: key, value: v}, true
}

func (s *Schema) UnmarshalJSON(data []byte) error {
	type plain Schema
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	src, err := decodeObject(data)
	if err != nil {
		return err
	}
	*s = Schema(p)
	s.src = src
	s.Extra = src.extras(schemaKeys)
	return nil
}

func (s Schema) MarshalJSON() ([]byte, error) {
	pages := s.Pages
	if pages == nil {
		pages = []Page{}
	}
	return encodeObject(s.src, []field{{key: "pages", value: pages}}, s.Extra)
}

func (p *Page) UnmarshalJSON(data []byte) error {
	type plain Page
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	src, err := decodeObject(data)
	if err != nil {
		return err
	}
	*p = Page(v)
	p.src = src
	p.Extra = src.extras(pageKeys)
	return nil
}

func (p Page) MarshalJSON() ([]byte, error) {
	sections := p.Sections
	if sections == nil {
		sections = []Section{}
	}
	return encodeObject(p.src, []field{
		stringField("label", p.Label),
		{key: "sections", value: sections},
	}, p.Extra)
}

func (s *Section) UnmarshalJSON(data []byte) error {
	type plain Section
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	src, err := decodeObject(data)
	if err != nil {
		return err
	}
	*s = Section(v)
	s.src = src
	s.Extra = src.extras(sectionKeys)
	return nil
}

func (s Section) MarshalJSON() ([]byte, error) {
	questions := s.Questions
	if questions == nil {
		questions = []Question{}
	}
	return encodeObject(s.src, []field{
		stringField("label", s.Label),
		{key: "questions", value: questions},
	}, s.Extra)
}

func (q *Question) UnmarshalJSON(data []byte) error {
	type plain Question
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("question: %w", err)
	}
	src, err := decodeObject(data)
	if err != nil {
		return fmt.Errorf("question: %w", err)
	}
	*q = Question(v)
	q.src = src
	q.Extra = src.extras(questionKeys)
	return nil
}

// MarshalJSON writes required only when it is true or the source document
// had the key, keeping a string-valued flag as written while it still holds.
func (q Question) MarshalJSON() ([]byte, error) {
	return encodeObject(q.src, []field{
		stringField("id", q.ID),
		stringField("label", q.Label),
		stringField("type", q.Type),
		{key: "required", value: q.Required, zero: !q.Required.Bool(), same: sameRequired(q.Required)},
		{key: "questionOptions", value: q.QuestionOptions, zero: q.QuestionOptions.isZero()},
	}, q.Extra)
}

func (o *QuestionOptions) UnmarshalJSON(data []byte) error {
	type plain QuestionOptions
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("questionOptions: %w", err)
	}
	src, err := decodeObject(data)
	if err != nil {
		return fmt.Errorf("questionOptions: %w", err)
	}
	*o = QuestionOptions(v)
	o.src = src
	o.Extra = src.extras(optionKeys)
	return nil
}

// MarshalJSON omits conceptMappings and answers when nil but writes an empty
// list when they are empty, so a cleared answer list stays visible.
func (o QuestionOptions) MarshalJSON() ([]byte, error) {
	fields := []field{
		stringField("rendering", o.Rendering),
		stringField("concept", o.Concept),
	}
	if f, ok := listField(o.src, "conceptMappings", o.ConceptMappings, o.ConceptMappings == nil); ok {
		fields = append(fields, f)
	}
	if f, ok := listField(o.src, "answers", o.Answers, o.Answers == nil); ok {
		fields = append(fields, f)
	}
	return encodeObject(o.src, fields, o.Extra)
}

func (m *ConceptMapping) UnmarshalJSON(data []byte) error {
	type plain ConceptMapping
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("conceptMapping: %w", err)
	}
	src, err := decodeObject(data)
	if err != nil {
		return fmt.Errorf("conceptMapping: %w", err)
	}
	*m = ConceptMapping(v)
	m.src = src
	m.Extra = src.extras(mappingKeys)
	return nil
}

func (m ConceptMapping) MarshalJSON() ([]byte, error) {
	return encodeObject(m.src, []field{
		stringField("relationship", m.Relationship),
		stringField("type", m.Type),
		stringField("value", m.Value),
	}, m.Extra)
}

func (a *Answer) UnmarshalJSON(data []byte) error {
	type plain Answer
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("answer: %w", err)
	}
	src, err := decodeObject(data)
	if err != nil {
		return fmt.Errorf("answer: %w", err)
	}
	*a = Answer(v)
	a.src = src
	a.Extra = src.extras(answerKeys)
	return nil
}

func (a Answer) MarshalJSON() ([]byte, error) {
	return encodeObject(a.src, []field{
		stringField("concept", a.Concept),
		stringField("label", a.Label),
	}, a.Extra)
}

// Parse decodes a form schema document.
func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	return &s, nil
}

// Clone returns a deep copy of the question.
func (q Question) Clone() Question {
	c := q
	c.Extra = cloneRaw(q.Extra)
	c.QuestionOptions.Extra = cloneRaw(q.QuestionOptions.Extra)
	if q.QuestionOptions.ConceptMappings != nil {
		c.QuestionOptions.ConceptMappings = make([]ConceptMapping, len(q.QuestionOptions.ConceptMappings))
		for i, m := range q.QuestionOptions.ConceptMappings {
			m.Extra = cloneRaw(m.Extra)
			c.QuestionOptions.ConceptMappings[i] = m
		}
	}
	if q.QuestionOptions.Answers != nil {
		c.QuestionOptions.Answers = make([]Answer, len(q.QuestionOptions.Answers))
		for i, a := range q.QuestionOptions.Answers {
			a.Extra = cloneRaw(a.Extra)
			c.QuestionOptions.Answers[i] = a
		}
	}
	return c
}

func cloneRaw(m map[string]json.RawMessage) map[string]json.RawMessage {
	if m == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}
