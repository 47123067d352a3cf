package runtime

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ciris/internal/clock"
	"ciris/internal/graph"
	"ciris/internal/logging"
	"ciris/internal/types"
)

// IncidentAnalyzer mines recent incident nodes for recurring patterns and
// records them as problem and insight nodes. It runs during DREAM.
type IncidentAnalyzer struct {
	store        *graph.Store
	clk          clock.Clock
	occurrenceID string

	window          time.Duration
	tokenThreshold  int
	compThreshold   int
	bucketThreshold int
}

func NewIncidentAnalyzer(store *graph.Store, clk clock.Clock, occurrenceID string) *IncidentAnalyzer {
	return &IncidentAnalyzer{
		store:           store,
		clk:             clk,
		occurrenceID:    occurrenceID,
		window:          24 * time.Hour,
		tokenThreshold:  3,
		compThreshold:   5,
		bucketThreshold: 5,
	}
}

type incidentAttrs struct {
	Description string `json:"description"`
	Component   string `json:"component"`
}

// Analyze groups the window's incidents three ways: by the first token of
// the description, by component, and by five-minute bucket. Groups over
// their thresholds become problem nodes with an insight each. Problem IDs
// derive from the group key, so re-running an analysis is idempotent.
func (a *IncidentAnalyzer) Analyze() (problems int, err error) {
	since := a.clk.Now().Add(-a.window)
	incidents, err := a.store.SearchNodes(a.occurrenceID, types.NodeFilter{
		Type:         types.NodeIncident,
		CreatedAfter: since,
	})
	if err != nil {
		return 0, err
	}
	if len(incidents) == 0 {
		return 0, nil
	}

	byToken := map[string][]types.GraphNode{}
	byComponent := map[string][]types.GraphNode{}
	byBucket := map[string][]types.GraphNode{}

	for _, node := range incidents {
		var attrs incidentAttrs
		if err := json.Unmarshal(node.Attributes, &attrs); err != nil {
			continue
		}
		if fields := strings.Fields(attrs.Description); len(fields) > 0 {
			token := strings.ToLower(fields[0])
			byToken[token] = append(byToken[token], node)
		}
		if attrs.Component != "" {
			byComponent[attrs.Component] = append(byComponent[attrs.Component], node)
		}
		bucket := node.CreatedAt.UTC().Truncate(5 * time.Minute).Format("20060102T1504")
		byBucket[bucket] = append(byBucket[bucket], node)
	}

	for token, group := range byToken {
		if len(group) >= a.tokenThreshold {
			if err := a.recordProblem("token_"+token,
				fmt.Sprintf("%d incidents share the leading token %q", len(group), token),
				"Investigate the shared failure mode behind these descriptions.", group); err != nil {
				return problems, err
			}
			problems++
		}
	}
	for component, group := range byComponent {
		if len(group) >= a.compThreshold {
			if err := a.recordProblem("component_"+component,
				fmt.Sprintf("component %s produced %d incidents", component, len(group)),
				fmt.Sprintf("Component %s is failing repeatedly; review its provider and breaker history.", component), group); err != nil {
				return problems, err
			}
			problems++
		}
	}
	for bucket, group := range byBucket {
		if len(group) >= a.bucketThreshold {
			if err := a.recordProblem("burst_"+bucket,
				fmt.Sprintf("%d incidents within the five minutes starting %s", len(group), bucket),
				"An incident burst suggests an external outage or a cascading failure.", group); err != nil {
				return problems, err
			}
			problems++
		}
	}

	logging.Graph("incident analysis: %d incidents, %d problems", len(incidents), problems)
	return problems, nil
}

func (a *IncidentAnalyzer) recordProblem(key, description, insight string, group []types.GraphNode) error {
	// Hash the key so arbitrary component names stay ID-safe.
	digest := sha256.Sum256([]byte(key))
	problemID := "problem_" + hex.EncodeToString(digest[:8])

	attrs, _ := json.Marshal(map[string]interface{}{
		"description":    description,
		"group_key":      key,
		"incident_count": len(group),
	})
	problem := types.GraphNode{
		ID:         problemID,
		Type:       types.NodeProblem,
		Scope:      types.ScopeLocal,
		Attributes: attrs,
	}
	if _, err := a.store.PutNode(a.occurrenceID, problem); err != nil {
		return err
	}
	for _, incident := range group {
		err := a.store.Link(a.occurrenceID, types.GraphEdge{
			SourceID: problemID, TargetID: incident.ID, Type: types.EdgeRelatedTo,
		})
		if err != nil {
			return err
		}
	}

	insightAttrs, _ := json.Marshal(map[string]string{"description": insight})
	insightNode := types.GraphNode{
		ID:         "insight_" + hex.EncodeToString(digest[:8]),
		Type:       types.NodeInsight,
		Scope:      types.ScopeLocal,
		Attributes: insightAttrs,
	}
	if _, err := a.store.PutNode(a.occurrenceID, insightNode); err != nil {
		return err
	}
	return a.store.Link(a.occurrenceID, types.GraphEdge{
		SourceID: insightNode.ID, TargetID: problemID, Type: types.EdgeTriggeredBy,
	})
}
