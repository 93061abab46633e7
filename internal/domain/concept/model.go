package concept

import (
	"strings"

	"github.com/ehr/formbuilder/internal/domain/formschema"
)

// Concept is a coded term from the concept dictionary, as returned by
// concept search.
type Concept struct {
	UUID     string    `json:"uuid"`
	Display  string    `json:"display"`
	Mappings []Mapping `json:"mappings,omitempty"`
	Answers  []Answer  `json:"answers,omitempty"`
}

// Mapping is a raw mapping descriptor. Display has the form
// "<source>: <code>", e.g. "CIEL: 1065".
type Mapping struct {
	Display        string  `json:"display"`
	ConceptMapType MapType `json:"conceptMapType"`
}

// MapType names the relationship of a mapping, e.g. "SAME-AS".
type MapType struct {
	Display string `json:"display"`
}

// Answer is one of the coded answers a concept allows.
type Answer struct {
	UUID    string `json:"uuid"`
	Display string `json:"display"`
}

// Selection is what selecting a concept contributes to a question draft.
type Selection struct {
	Concept            *Concept                    `json:"concept"`
	ConceptMappings    []formschema.ConceptMapping `json:"conceptMappings"`
	AnswersFromConcept []formschema.Answer         `json:"answersFromConcept"`
}

// Derive builds the selection for c.
func Derive(c *Concept) Selection {
	return Selection{
		Concept:            c,
		ConceptMappings:    DeriveMappings(c),
		AnswersFromConcept: DeriveAnswers(c),
	}
}

// DeriveMappings splits each mapping display on the first ": " into source
// type and code. A display without the separator becomes the type.
func DeriveMappings(c *Concept) []formschema.ConceptMapping {
	if c == nil {
		return []formschema.ConceptMapping{}
	}
	out := make([]formschema.ConceptMapping, 0, len(c.Mappings))
	for _, m := range c.Mappings {
		typ, value, _ := strings.Cut(m.Display, ": ")
		out = append(out, formschema.ConceptMapping{
			Relationship: m.ConceptMapType.Display,
			Type:         typ,
			Value:        value,
		})
	}
	return out
}

// DeriveAnswers turns the concept's answers into question answers; a
// concept without answers yields an empty list.
func DeriveAnswers(c *Concept) []formschema.Answer {
	if c == nil {
		return []formschema.Answer{}
	}
	out := make([]formschema.Answer, 0, len(c.Answers))
	for _, a := range c.Answers {
		out = append(out, formschema.Answer{Concept: a.UUID, Label: a.Display})
	}
	return out
}
