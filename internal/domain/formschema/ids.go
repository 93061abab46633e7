package formschema

import "errors"

// ErrDuplicateQuestionID is returned by the block policy when a save would
// give the question an id another question already uses.
var ErrDuplicateQuestionID = errors.New("this question ID already exists in your schema")

// DuplicatePolicy decides whether a duplicate question id blocks a save.
type DuplicatePolicy string

const (
	// DuplicateAdvisory only flags the id field; saving is still allowed.
	DuplicateAdvisory DuplicatePolicy = "advisory"
	// DuplicateBlock rejects the save.
	DuplicateBlock DuplicatePolicy = "block"
)

// Valid reports whether p is a known policy.
func (p DuplicatePolicy) Valid() bool {
	return p == DuplicateAdvisory || p == DuplicateBlock
}

// IDIndex is the flattened set of question ids across all pages and sections.
type IDIndex map[string]int

// NewIDIndex collects the ids of every question in the schema.
func NewIDIndex(s *Schema) IDIndex {
	ix := make(IDIndex)
	if s == nil {
		return ix
	}
	for _, page := range s.Pages {
		for _, section := range page.Sections {
			for _, q := range section.Questions {
				ix[q.ID]++
			}
		}
	}
	return ix
}

// Contains reports whether any question uses id.
func (ix IDIndex) Contains(id string) bool {
	return ix[id] > 0
}

// IsIDTaken reports whether candidate collides with an id in the schema. The
// id the edited question had before editing is never reported as taken.
func IsIDTaken(s *Schema, originalID, candidate string) bool {
	if candidate == originalID {
		return false
	}
	return NewIDIndex(s).Contains(candidate)
}
