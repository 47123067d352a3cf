package graph

import (
	"encoding/json"
	"fmt"

	"ciris/internal/types"
)

// requiredAttrs lists the attribute keys each node type must carry. Types
// not listed accept any JSON object.
var requiredAttrs = map[types.NodeType][]string{
	types.NodeThought:  {"content"},
	types.NodeMessage:  {"content", "channel_ref"},
	types.NodeMetric:   {"name", "value"},
	types.NodeConfig:   {"key", "value"},
	types.NodeIncident: {"description", "component"},
	types.NodeProblem:  {"description"},
	types.NodeInsight:  {"description"},
	types.NodeSummary:  {"period_start", "period_end"},
	types.NodeChannel:  {"channel_ref", "adapter"},
}

// knownNodeTypes guards against free-form type strings sneaking into the
// substrate.
var knownNodeTypes = map[types.NodeType]bool{
	types.NodeThought:  true,
	types.NodeMessage:  true,
	types.NodeContext:  true,
	types.NodeAction:   true,
	types.NodeMetric:   true,
	types.NodeConfig:   true,
	types.NodeIncident: true,
	types.NodeProblem:  true,
	types.NodeInsight:  true,
	types.NodeSummary:  true,
	types.NodeIdentity: true,
	types.NodeChannel:  true,
}

// ValidateAttributes checks a node's attribute payload against the schema
// for its type. Empty attributes pass only for types with no required keys.
func ValidateAttributes(nodeType types.NodeType, attrs json.RawMessage) error {
	if !knownNodeTypes[nodeType] {
		return fmt.Errorf("%w: unknown node type %q", ErrInvalidNode, nodeType)
	}

	required := requiredAttrs[nodeType]
	if len(attrs) == 0 {
		if len(required) == 0 {
			return nil
		}
		return fmt.Errorf("%w: %s requires attributes %v", ErrInvalidAttributes, nodeType, required)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(attrs, &obj); err != nil {
		return fmt.Errorf("%w: %s attributes are not a JSON object: %v", ErrInvalidAttributes, nodeType, err)
	}

	for _, key := range required {
		if _, ok := obj[key]; !ok {
			return fmt.Errorf("%w: %s missing attribute %q", ErrInvalidAttributes, nodeType, key)
		}
	}
	return nil
}
