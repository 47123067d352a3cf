package graph

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ciris/internal/logging"
	"ciris/internal/types"
)

// SummaryAttributes is the attribute payload carried by summary nodes.
type SummaryAttributes struct {
	PeriodStart  time.Time      `json:"period_start"`
	PeriodEnd    time.Time      `json:"period_end"`
	NodeType     types.NodeType `json:"node_type"`
	NodeCount    int            `json:"node_count"`
	Constituents []string       `json:"constituents"`
}

// Consolidate rolls every node of the given type created inside the window
// into one summary node. The summary id is derived from the window start so
// running consolidation twice over the same window is a no-op: the second
// run finds the existing row and re-issues only INSERT OR IGNORE writes.
// Summaries of the same type are chained with TEMPORAL_PREV/TEMPORAL_NEXT
// edges; SUMMARIZES edges point at each constituent.
func (s *Store) Consolidate(occurrenceID string, nodeType types.NodeType, windowStart time.Time, window time.Duration) (types.GraphNode, int, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "consolidate")
	defer timer.Stop()

	start := windowStart.UTC()
	end := start.Add(window)
	summaryID := fmt.Sprintf("summary_%s_%s", nodeType, start.Format("20060102T150405"))

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id FROM nodes
		 WHERE occurrence_id = ? AND node_type = ? AND created_at >= ? AND created_at < ?
		 ORDER BY id ASC`,
		occurrenceID, string(nodeType), start, end,
	)
	if err != nil {
		return types.GraphNode{}, 0, fmt.Errorf("consolidate select: %w", err)
	}
	var constituents []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return types.GraphNode{}, 0, fmt.Errorf("consolidate scan: %w", err)
		}
		constituents = append(constituents, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return types.GraphNode{}, 0, err
	}

	if len(constituents) == 0 {
		return types.GraphNode{}, 0, nil
	}

	attrs, err := json.Marshal(SummaryAttributes{
		PeriodStart:  start,
		PeriodEnd:    end,
		NodeType:     nodeType,
		NodeCount:    len(constituents),
		Constituents: constituents,
	})
	if err != nil {
		return types.GraphNode{}, 0, fmt.Errorf("consolidate attrs: %w", err)
	}

	now := s.clk.Now()
	_, err = s.db.Exec(
		`INSERT OR IGNORE INTO nodes (id, node_type, scope, attributes, version, occurrence_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?, ?)`,
		summaryID, string(types.NodeSummary), string(types.ScopeLocal), string(attrs),
		occurrenceID, now, now,
	)
	if err != nil {
		return types.GraphNode{}, 0, fmt.Errorf("consolidate insert summary: %w", err)
	}

	for _, id := range constituents {
		if err := s.linkLocked(occurrenceID, summaryID, id, types.EdgeSummarizes); err != nil {
			return types.GraphNode{}, 0, err
		}
	}

	// Chain to the previous summary of the same type, if one exists.
	prefix := fmt.Sprintf("summary_%s_", nodeType)
	var prevID string
	err = s.db.QueryRow(
		`SELECT id FROM nodes
		 WHERE occurrence_id = ? AND id LIKE ? ESCAPE '\' AND id < ?
		 ORDER BY id DESC LIMIT 1`,
		occurrenceID, escapeLike(prefix)+"%", summaryID,
	).Scan(&prevID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// First summary in the chain.
	case err != nil:
		return types.GraphNode{}, 0, fmt.Errorf("consolidate previous summary: %w", err)
	default:
		if err := s.linkLocked(occurrenceID, summaryID, prevID, types.EdgeTemporalPrev); err != nil {
			return types.GraphNode{}, 0, err
		}
		if err := s.linkLocked(occurrenceID, prevID, summaryID, types.EdgeTemporalNext); err != nil {
			return types.GraphNode{}, 0, err
		}
	}

	summary, err := s.getNodeLocked(occurrenceID, summaryID)
	if err != nil {
		return types.GraphNode{}, 0, err
	}
	logging.Graph("consolidated %d %s nodes into %s", len(constituents), nodeType, summaryID)
	return summary, len(constituents), nil
}

// linkLocked inserts an edge without re-checking endpoints; callers operate
// on ids just read from the nodes table under the same lock.
func (s *Store) linkLocked(occurrenceID, sourceID, targetID string, edgeType types.EdgeType) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO edges (source_id, target_id, edge_type, attributes, occurrence_id, created_at)
		 VALUES (?, ?, ?, '', ?, ?)`,
		sourceID, targetID, string(edgeType), occurrenceID, s.clk.Now(),
	)
	if err != nil {
		return fmt.Errorf("link %s -[%s]-> %s: %w", sourceID, edgeType, targetID, err)
	}
	return nil
}
