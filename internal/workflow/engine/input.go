package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Reference prefixes accepted in node static input. A string value of the
// form $nodes.<node-id>.output.<path> is replaced by a field of an upstream
// node's output; $trigger.<path> reads from the run's trigger context.
const (
	refNodesPrefix   = "$nodes."
	refTriggerPrefix = "$trigger."
)

// materializeInput resolves references in a node's static input against the
// outputs of completed upstream nodes and the run trigger context. The
// returned document is a fully literal JSON object.
func materializeInput(static json.RawMessage, outputs map[string]json.RawMessage, trigger json.RawMessage) (json.RawMessage, error) {
	if len(static) == 0 {
		return json.RawMessage(`{}`), nil
	}

	var doc interface{}
	if err := json.Unmarshal(static, &doc); err != nil {
		return nil, fmt.Errorf("static input is not valid JSON: %w", err)
	}

	resolved, err := resolveValue(doc, outputs, trigger)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to encode materialized input: %w", err)
	}
	return out, nil
}

func resolveValue(v interface{}, outputs map[string]json.RawMessage, trigger json.RawMessage) (interface{}, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			r, err := resolveValue(child, outputs, trigger)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, child := range val {
			r, err := resolveValue(child, outputs, trigger)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case string:
		switch {
		case strings.HasPrefix(val, refNodesPrefix):
			return resolveNodeRef(val, outputs)
		case strings.HasPrefix(val, refTriggerPrefix):
			return resolveTriggerRef(val, trigger)
		}
		return val, nil
	default:
		return val, nil
	}
}

func resolveNodeRef(ref string, outputs map[string]json.RawMessage) (interface{}, error) {
	// $nodes.<node-id>.output.<path...>
	rest := strings.TrimPrefix(ref, refNodesPrefix)
	parts := strings.Split(rest, ".")
	if len(parts) < 2 || parts[1] != "output" {
		return nil, fmt.Errorf("malformed reference %q", ref)
	}
	nodeID := parts[0]
	raw, ok := outputs[nodeID]
	if !ok {
		return nil, fmt.Errorf("reference %q points to a node with no output", ref)
	}

	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("output of node %q is not valid JSON: %w", nodeID, err)
	}
	return walkPath(ref, doc, parts[2:])
}

func resolveTriggerRef(ref string, trigger json.RawMessage) (interface{}, error) {
	if len(trigger) == 0 {
		return nil, fmt.Errorf("reference %q used but the run has no trigger context", ref)
	}
	var doc interface{}
	if err := json.Unmarshal(trigger, &doc); err != nil {
		return nil, fmt.Errorf("trigger context is not valid JSON: %w", err)
	}
	path := strings.Split(strings.TrimPrefix(ref, refTriggerPrefix), ".")
	return walkPath(ref, doc, path)
}

// walkPath descends a decoded JSON document by object keys and array indexes.
func walkPath(ref string, doc interface{}, path []string) (interface{}, error) {
	cur := doc
	for _, seg := range path {
		switch node := cur.(type) {
		case map[string]interface{}:
			next, ok := node[seg]
			if !ok {
				return nil, fmt.Errorf("reference %q: field %q not found", ref, seg)
			}
			cur = next
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, fmt.Errorf("reference %q: index %q out of range", ref, seg)
			}
			cur = node[idx]
		default:
			return nil, fmt.Errorf("reference %q: cannot descend into %T at %q", ref, cur, seg)
		}
	}
	return cur, nil
}
