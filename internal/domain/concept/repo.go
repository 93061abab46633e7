package concept

import "context"

// Searcher finds concepts matching free text (a name or a UUID).
type Searcher interface {
	SearchConcepts(ctx context.Context, term string) ([]*Concept, error)
}

// Namer resolves the display name of a concept already linked to a question.
type Namer interface {
	ResolveConceptName(ctx context.Context, conceptID string) (string, error)
}

// Source is a concept dictionary that can do both.
type Source interface {
	Searcher
	Namer
}
