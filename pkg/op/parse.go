package op

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrMalformed is returned for operation strings that fail structural
// validation: bad JSON, missing fields, unknown kinds, or payloads that
// do not match the kind's schema.
var ErrMalformed = errors.New("op: malformed operation")

// Per-kind payload schemas. Unknown and extra fields are rejected; the
// only optional field anywhere is add_node's new_node_id, which must be
// non-empty when present (an empty id and an absent one would collapse
// into the same canonical encoding).
var payloadSchemas = map[Type]string{
	TypeAddNode: `{
		"type": "object",
		"properties": {
			"parent_node_id": {"type": "string"},
			"new_node_name": {"type": "string"},
			"new_node_id": {"type": "string", "minLength": 1}
		},
		"required": ["parent_node_id", "new_node_name"],
		"additionalProperties": false
	}`,
	TypeReopenNode:    nodeIDSchema,
	TypeCompleteNode:  nodeIDSchema,
	TypeRemoveNode:    nodeIDSchema,
	TypeRemoveSubtree: nodeIDSchema,
	TypeMoveNode: `{
		"type": "object",
		"properties": {
			"node_id": {"type": "string"},
			"new_parent_id": {"type": "string"}
		},
		"required": ["node_id", "new_parent_id"],
		"additionalProperties": false
	}`,
}

const nodeIDSchema = `{
	"type": "object",
	"properties": {
		"node_id": {"type": "string"}
	},
	"required": ["node_id"],
	"additionalProperties": false
}`

var compiledSchemas = compileSchemas()

func compileSchemas() map[Type]*jsonschema.Schema {
	compiled := make(map[Type]*jsonschema.Schema, len(payloadSchemas))
	for opType, src := range payloadSchemas {
		c := jsonschema.NewCompiler()
		name := string(opType) + ".json"
		if err := c.AddResource(name, strings.NewReader(src)); err != nil {
			panic(fmt.Sprintf("op: bad schema for %s: %v", opType, err))
		}
		compiled[opType] = c.MustCompile(name)
	}
	return compiled
}

// Parse decodes and validates a canonical operation string. The result
// round-trips: Parse(s).Canonical() re-encodes to the canonical form of
// s, and applies identically.
func Parse(s string) (Operation, error) {
	var wire struct {
		OpType    *Type           `json:"op_type"`
		Payload   json.RawMessage `json:"payload"`
		Timestamp *int64          `json:"timestamp"`
	}
	if err := json.Unmarshal([]byte(s), &wire); err != nil {
		return Operation{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if wire.OpType == nil || wire.Payload == nil || wire.Timestamp == nil {
		return Operation{}, fmt.Errorf("%w: missing op_type, payload or timestamp", ErrMalformed)
	}

	schema, ok := compiledSchemas[*wire.OpType]
	if !ok {
		return Operation{}, fmt.Errorf("%w: unknown op_type %q", ErrMalformed, *wire.OpType)
	}

	var generic any
	if err := json.Unmarshal(wire.Payload, &generic); err != nil {
		return Operation{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := schema.Validate(generic); err != nil {
		return Operation{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	payload, err := decodePayload(*wire.OpType, wire.Payload)
	if err != nil {
		return Operation{}, err
	}
	return Operation{Payload: payload, Timestamp: *wire.Timestamp}, nil
}

func decodePayload(opType Type, raw json.RawMessage) (Payload, error) {
	unmarshal := func(v Payload) (Payload, error) {
		// v arrives as a pointer so json can fill it; the union holds
		// values, not pointers.
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return v, nil
	}

	switch opType {
	case TypeAddNode:
		p, err := unmarshal(&AddNode{})
		if err != nil {
			return nil, err
		}
		return *p.(*AddNode), nil
	case TypeReopenNode:
		p, err := unmarshal(&ReopenNode{})
		if err != nil {
			return nil, err
		}
		return *p.(*ReopenNode), nil
	case TypeCompleteNode:
		p, err := unmarshal(&CompleteNode{})
		if err != nil {
			return nil, err
		}
		return *p.(*CompleteNode), nil
	case TypeRemoveNode:
		p, err := unmarshal(&RemoveNode{})
		if err != nil {
			return nil, err
		}
		return *p.(*RemoveNode), nil
	case TypeRemoveSubtree:
		p, err := unmarshal(&RemoveSubtree{})
		if err != nil {
			return nil, err
		}
		return *p.(*RemoveSubtree), nil
	case TypeMoveNode:
		p, err := unmarshal(&MoveNode{})
		if err != nil {
			return nil, err
		}
		return *p.(*MoveNode), nil
	}
	return nil, fmt.Errorf("%w: unknown op_type %q", ErrMalformed, opType)
}
