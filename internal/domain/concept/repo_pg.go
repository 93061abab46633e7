package concept

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a concept id is not in the dictionary.
var ErrNotFound = errors.New("concept not found")

// DefaultSearchLimit caps the number of concepts one search returns.
const DefaultSearchLimit = 50

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// =========== Postgres Concept Dictionary ===========

type pgRepository struct {
	db    queryable
	limit int
}

// NewPGRepository returns a Source backed by the concept dictionary tables
// (see migrations/001_concept_dictionary.sql).
func NewPGRepository(pool *pgxpool.Pool) Source {
	return &pgRepository{db: pool, limit: DefaultSearchLimit}
}

func (r *pgRepository) SearchConcepts(ctx context.Context, term string) ([]*Concept, error) {
	pattern := "%" + term + "%"
	rows, err := r.db.Query(ctx,
		`SELECT uuid, display FROM concept
		 WHERE NOT retired AND (display ILIKE $1 OR uuid = $2)
		 ORDER BY display LIMIT $3`, pattern, term, r.limit)
	if err != nil {
		return nil, fmt.Errorf("concept search: %w", err)
	}
	defer rows.Close()

	var results []*Concept
	byUUID := make(map[string]*Concept)
	var ids []string
	for rows.Next() {
		var c Concept
		if err := rows.Scan(&c.UUID, &c.Display); err != nil {
			return nil, err
		}
		results = append(results, &c)
		byUUID[c.UUID] = &c
		ids = append(ids, c.UUID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return results, nil
	}

	if err := r.loadMappings(ctx, ids, byUUID); err != nil {
		return nil, err
	}
	if err := r.loadAnswers(ctx, ids, byUUID); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *pgRepository) loadMappings(ctx context.Context, ids []string, byUUID map[string]*Concept) error {
	rows, err := r.db.Query(ctx,
		`SELECT concept_uuid, source || ': ' || code, map_type
		 FROM concept_mapping WHERE concept_uuid = ANY($1)
		 ORDER BY concept_uuid, sort_weight`, ids)
	if err != nil {
		return fmt.Errorf("concept mappings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var owner string
		var m Mapping
		if err := rows.Scan(&owner, &m.Display, &m.ConceptMapType.Display); err != nil {
			return err
		}
		if c, ok := byUUID[owner]; ok {
			c.Mappings = append(c.Mappings, m)
		}
	}
	return rows.Err()
}

func (r *pgRepository) loadAnswers(ctx context.Context, ids []string, byUUID map[string]*Concept) error {
	rows, err := r.db.Query(ctx,
		`SELECT a.concept_uuid, a.answer_uuid, c.display
		 FROM concept_answer a JOIN concept c ON c.uuid = a.answer_uuid
		 WHERE a.concept_uuid = ANY($1)
		 ORDER BY a.concept_uuid, a.sort_weight`, ids)
	if err != nil {
		return fmt.Errorf("concept answers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var owner string
		var a Answer
		if err := rows.Scan(&owner, &a.UUID, &a.Display); err != nil {
			return err
		}
		if c, ok := byUUID[owner]; ok {
			c.Answers = append(c.Answers, a)
		}
	}
	return rows.Err()
}

func (r *pgRepository) ResolveConceptName(ctx context.Context, conceptID string) (string, error) {
	var display string
	err := r.db.QueryRow(ctx, `SELECT display FROM concept WHERE uuid = $1`, conceptID).Scan(&display)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, conceptID)
	}
	if err != nil {
		return "", fmt.Errorf("concept get: %w", err)
	}
	return display, nil
}
