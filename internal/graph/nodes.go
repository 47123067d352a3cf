package graph

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ciris/internal/logging"
	"ciris/internal/types"
)

// PutNode inserts a node or updates it in place. Updates bump the version
// and updated_at while preserving created_at. Attributes are validated
// against the schema for the node's type before anything touches the db.
func (s *Store) PutNode(occurrenceID string, node types.GraphNode) (types.GraphNode, error) {
	if node.ID == "" || node.Type == "" {
		return types.GraphNode{}, fmt.Errorf("%w: id and node_type required", ErrInvalidNode)
	}
	if node.Scope == "" {
		node.Scope = types.ScopeLocal
	}
	if err := ValidateAttributes(node.Type, node.Attributes); err != nil {
		return types.GraphNode{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	var version int
	var createdAt time.Time
	err := s.db.QueryRow(
		"SELECT version, created_at FROM nodes WHERE id = ? AND occurrence_id = ?",
		node.ID, occurrenceID,
	).Scan(&version, &createdAt)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		node.Version = 1
		node.CreatedAt = now
		node.UpdatedAt = now
		_, err = s.db.Exec(
			`INSERT INTO nodes (id, node_type, scope, attributes, version, occurrence_id, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			node.ID, string(node.Type), string(node.Scope), string(node.Attributes),
			node.Version, occurrenceID, node.CreatedAt, node.UpdatedAt,
		)
		if err != nil {
			return types.GraphNode{}, fmt.Errorf("insert node %s: %w", node.ID, err)
		}
	case err != nil:
		return types.GraphNode{}, fmt.Errorf("lookup node %s: %w", node.ID, err)
	default:
		node.Version = version + 1
		node.CreatedAt = createdAt
		node.UpdatedAt = now
		_, err = s.db.Exec(
			`UPDATE nodes SET node_type = ?, scope = ?, attributes = ?, version = ?, updated_at = ?
			 WHERE id = ? AND occurrence_id = ?`,
			string(node.Type), string(node.Scope), string(node.Attributes),
			node.Version, node.UpdatedAt, node.ID, occurrenceID,
		)
		if err != nil {
			return types.GraphNode{}, fmt.Errorf("update node %s: %w", node.ID, err)
		}
	}

	node.OccurrenceID = occurrenceID
	logging.GraphDebug("put node %s (%s) v%d", node.ID, node.Type, node.Version)
	return node, nil
}

// GetNode fetches one node by id within the occurrence.
func (s *Store) GetNode(occurrenceID, id string) (types.GraphNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getNodeLocked(occurrenceID, id)
}

// getNodeLocked requires the caller to hold at least a read lock.
func (s *Store) getNodeLocked(occurrenceID, id string) (types.GraphNode, error) {
	var node types.GraphNode
	var nodeType, scope, attrs string
	err := s.db.QueryRow(
		`SELECT id, node_type, scope, attributes, version, occurrence_id, created_at, updated_at
		 FROM nodes WHERE id = ? AND occurrence_id = ?`,
		id, occurrenceID,
	).Scan(&node.ID, &nodeType, &scope, &attrs, &node.Version, &node.OccurrenceID,
		&node.CreatedAt, &node.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.GraphNode{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return types.GraphNode{}, fmt.Errorf("get node %s: %w", id, err)
	}
	node.Type = types.NodeType(nodeType)
	node.Scope = types.GraphScope(scope)
	if attrs != "" {
		node.Attributes = []byte(attrs)
	}
	return node, nil
}

// SearchNodes returns nodes matching the filter, ordered by id ascending.
// An empty filter returns every node in the occurrence.
func (s *Store) SearchNodes(occurrenceID string, filter types.NodeFilter) ([]types.GraphNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conditions := []string{"occurrence_id = ?"}
	args := []interface{}{occurrenceID}

	if filter.Type != "" {
		conditions = append(conditions, "node_type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Scope != "" {
		conditions = append(conditions, "scope = ?")
		args = append(args, string(filter.Scope))
	}
	if !filter.CreatedAfter.IsZero() {
		conditions = append(conditions, "created_at > ?")
		args = append(args, filter.CreatedAfter)
	}
	if filter.IDPrefix != "" {
		conditions = append(conditions, "id LIKE ? ESCAPE '\\'")
		args = append(args, escapeLike(filter.IDPrefix)+"%")
	}

	query := fmt.Sprintf(
		"SELECT id, node_type, scope, attributes, version, occurrence_id, created_at, updated_at FROM nodes WHERE %s ORDER BY id ASC",
		strings.Join(conditions, " AND "),
	)
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("search nodes: %w", err)
	}
	defer rows.Close()

	var results []types.GraphNode
	for rows.Next() {
		var node types.GraphNode
		var nodeType, scope, attrs string
		if err := rows.Scan(&node.ID, &nodeType, &scope, &attrs, &node.Version,
			&node.OccurrenceID, &node.CreatedAt, &node.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		node.Type = types.NodeType(nodeType)
		node.Scope = types.GraphScope(scope)
		if attrs != "" {
			node.Attributes = []byte(attrs)
		}
		results = append(results, node)
	}
	return results, rows.Err()
}

// DeleteNode removes a node and every edge touching it.
func (s *Store) DeleteNode(occurrenceID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM nodes WHERE id = ? AND occurrence_id = ?", id, occurrenceID)
	if err != nil {
		return fmt.Errorf("delete node %s: %w", id, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	_, err = s.db.Exec(
		"DELETE FROM edges WHERE occurrence_id = ? AND (source_id = ? OR target_id = ?)",
		occurrenceID, id, id,
	)
	if err != nil {
		return fmt.Errorf("delete edges for %s: %w", id, err)
	}
	logging.GraphDebug("deleted node %s", id)
	return nil
}

// Link creates an edge between two existing nodes. Both endpoints must
// already exist in the occurrence. Re-linking the same triple is a no-op.
func (s *Store) Link(occurrenceID string, edge types.GraphEdge) error {
	if edge.SourceID == "" || edge.TargetID == "" || edge.Type == "" {
		return fmt.Errorf("%w: source, target and edge_type required", ErrInvalidNode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range []string{edge.SourceID, edge.TargetID} {
		if _, err := s.getNodeLocked(occurrenceID, id); err != nil {
			return fmt.Errorf("%w: %s", ErrMissingEndpoint, id)
		}
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO edges (source_id, target_id, edge_type, attributes, occurrence_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		edge.SourceID, edge.TargetID, string(edge.Type), string(edge.Attributes),
		occurrenceID, s.clk.Now(),
	)
	if err != nil {
		return fmt.Errorf("link %s -[%s]-> %s: %w", edge.SourceID, edge.Type, edge.TargetID, err)
	}
	return nil
}

// EdgeDirection selects which side of a node's edges to return.
type EdgeDirection string

const (
	Outgoing EdgeDirection = "outgoing"
	Incoming EdgeDirection = "incoming"
	Both     EdgeDirection = "both"
)

// Edges returns the edges touching a node.
func (s *Store) Edges(occurrenceID, nodeID string, direction EdgeDirection) ([]types.GraphEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var query string
	var args []interface{}
	switch direction {
	case Outgoing:
		query = "SELECT source_id, target_id, edge_type, attributes, created_at FROM edges WHERE occurrence_id = ? AND source_id = ?"
		args = []interface{}{occurrenceID, nodeID}
	case Incoming:
		query = "SELECT source_id, target_id, edge_type, attributes, created_at FROM edges WHERE occurrence_id = ? AND target_id = ?"
		args = []interface{}{occurrenceID, nodeID}
	default:
		query = "SELECT source_id, target_id, edge_type, attributes, created_at FROM edges WHERE occurrence_id = ? AND (source_id = ? OR target_id = ?)"
		args = []interface{}{occurrenceID, nodeID, nodeID}
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("edges for %s: %w", nodeID, err)
	}
	defer rows.Close()

	var edges []types.GraphEdge
	for rows.Next() {
		var edge types.GraphEdge
		var edgeType, attrs string
		if err := rows.Scan(&edge.SourceID, &edge.TargetID, &edgeType, &attrs, &edge.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edge.Type = types.EdgeType(edgeType)
		if attrs != "" {
			edge.Attributes = []byte(attrs)
		}
		edges = append(edges, edge)
	}
	return edges, rows.Err()
}

// PreviousInChain returns the node whose id is the greatest id carrying the
// given prefix that sorts strictly before beforeID. Gaps in the chain are
// fine; the lookup lands on whatever predecessor actually exists.
func (s *Store) PreviousInChain(occurrenceID, prefix, beforeID string) (types.GraphNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var id string
	err := s.db.QueryRow(
		`SELECT id FROM nodes
		 WHERE occurrence_id = ? AND id LIKE ? ESCAPE '\' AND id < ?
		 ORDER BY id DESC LIMIT 1`,
		occurrenceID, escapeLike(prefix)+"%", beforeID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return types.GraphNode{}, fmt.Errorf("%w: no predecessor of %s", ErrNotFound, beforeID)
	}
	if err != nil {
		return types.GraphNode{}, fmt.Errorf("previous in chain before %s: %w", beforeID, err)
	}
	return s.getNodeLocked(occurrenceID, id)
}

// escapeLike escapes LIKE metacharacters so prefixes match literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}
