package strategy

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/evoquant/evoquant/internal/clock"
	"github.com/evoquant/evoquant/internal/domain"
)

// LineageIndex stores parent/child edges and answers ancestry queries.
// Edges are immutable after creation; crossover children carry one edge
// per parent. The edge set forms a DAG because children are always created
// after their parents and edges only point from parent to child.
type LineageIndex struct {
	db    *sql.DB
	clock clock.Clock
	log   zerolog.Logger
}

// NewLineageIndex creates a lineage index over the strategies database.
func NewLineageIndex(db *sql.DB, clk clock.Clock, log zerolog.Logger) *LineageIndex {
	return &LineageIndex{
		db:    db,
		clock: clk,
		log:   log.With().Str("repo", "lineage").Logger(),
	}
}

// AddEdge records a parent/child edge. The edge is rejected when it would
// point at itself; duplicate edges for the same pair are rejected by the
// primary key.
func (l *LineageIndex) AddEdge(edge domain.LineageEdge) error {
	if edge.ParentID == edge.ChildID {
		return fmt.Errorf("lineage edge cannot be self-referential: %s", edge.ParentID)
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = l.clock.Now()
	}

	params, err := json.Marshal(edge.MutationParams)
	if err != nil {
		return fmt.Errorf("failed to encode mutation params: %w", err)
	}

	_, err = l.db.Exec(`
		INSERT INTO lineage_edges (parent_id, child_id, mutation_type, mutation_params, similarity, creator_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		edge.ParentID, edge.ChildID, string(edge.MutationType), string(params),
		edge.Similarity, edge.CreatorID, edge.CreatedAt.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert lineage edge %s->%s: %w", edge.ParentID, edge.ChildID, err)
	}
	return nil
}

// Parents returns the direct parents of a strategy.
func (l *LineageIndex) Parents(id string) ([]domain.LineageEdge, error) {
	return l.edges("SELECT parent_id, child_id, mutation_type, mutation_params, similarity, creator_id, created_at FROM lineage_edges WHERE child_id = ?", id)
}

// Children returns the direct children of a strategy.
func (l *LineageIndex) Children(id string) ([]domain.LineageEdge, error) {
	return l.edges("SELECT parent_id, child_id, mutation_type, mutation_params, similarity, creator_id, created_at FROM lineage_edges WHERE parent_id = ?", id)
}

// Ancestors enumerates every ancestor id reachable from the strategy,
// breadth-first, without duplicates.
func (l *LineageIndex) Ancestors(id string) ([]string, error) {
	seen := map[string]bool{id: true}
	var out []string
	frontier := []string{id}

	for len(frontier) > 0 {
		next := make([]string, 0)
		for _, cur := range frontier {
			parents, err := l.Parents(cur)
			if err != nil {
				return nil, err
			}
			for _, e := range parents {
				if seen[e.ParentID] {
					continue
				}
				seen[e.ParentID] = true
				out = append(out, e.ParentID)
				next = append(next, e.ParentID)
			}
		}
		frontier = next
	}
	return out, nil
}

// Generation computes a strategy's generation on demand by walking the
// edge set breadth-first: roots are generation 0, every child is one more
// than its deepest parent.
func (l *LineageIndex) Generation(id string) (int, error) {
	memo := map[string]int{}
	return l.generation(id, memo, map[string]bool{})
}

func (l *LineageIndex) generation(id string, memo map[string]int, visiting map[string]bool) (int, error) {
	if g, ok := memo[id]; ok {
		return g, nil
	}
	if visiting[id] {
		// A cycle would mean corrupted lineage; refuse rather than recurse.
		return 0, fmt.Errorf("lineage cycle detected at %s", id)
	}
	visiting[id] = true
	defer delete(visiting, id)

	parents, err := l.Parents(id)
	if err != nil {
		return 0, err
	}
	if len(parents) == 0 {
		memo[id] = 0
		return 0, nil
	}

	max := 0
	for _, e := range parents {
		g, err := l.generation(e.ParentID, memo, visiting)
		if err != nil {
			return 0, err
		}
		if g > max {
			max = g
		}
	}
	memo[id] = max + 1
	return max + 1, nil
}

func (l *LineageIndex) edges(query, id string) ([]domain.LineageEdge, error) {
	rows, err := l.db.Query(query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query lineage edges: %w", err)
	}
	defer rows.Close()

	var out []domain.LineageEdge
	for rows.Next() {
		var (
			e         domain.LineageEdge
			mtype     string
			params    string
			createdAt int64
		)
		if err := rows.Scan(&e.ParentID, &e.ChildID, &mtype, &params, &e.Similarity, &e.CreatorID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan lineage edge: %w", err)
		}
		e.MutationType = domain.MutationType(mtype)
		if err := json.Unmarshal([]byte(params), &e.MutationParams); err != nil {
			return nil, fmt.Errorf("failed to decode mutation params: %w", err)
		}
		e.CreatedAt = time.UnixMicro(createdAt).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lineage edges: %w", err)
	}
	return out, nil
}
