// Package op defines the canonical operation: an immutable, validated
// command on a work tree. Operations are a closed union over six kinds;
// adding a kind means touching every switch in this package, which is
// exactly the point.
//
// The wire and ledger representation is the RFC 8785 canonical JSON of
//
//	{"op_type": <kind>, "payload": {...}, "timestamp": <int>}
//
// with snake_case field names. That string is also the hash-chain input,
// so it must be byte-stable across encodes.
package op

import (
	"github.com/worktreehq/worktree/pkg/canonical"
	"github.com/worktreehq/worktree/pkg/tree"
)

// Type tags one of the six operation kinds.
type Type string

const (
	TypeAddNode       Type = "add_node"
	TypeReopenNode    Type = "reopen_node"
	TypeCompleteNode  Type = "complete_node"
	TypeRemoveNode    Type = "remove_node"
	TypeRemoveSubtree Type = "remove_subtree"
	TypeMoveNode      Type = "move_node"
)

// Payload is the typed argument block of one operation kind.
type Payload interface {
	// Apply executes the operation against a tree, returning the
	// tree engine's domain status.
	Apply(t *tree.Tree) tree.Code
	opType() Type
}

// AddNode creates a Waiting node under a parent. NewNodeID is optional
// and non-empty when present; when absent the tree generates one at
// application time.
type AddNode struct {
	ParentNodeID string `json:"parent_node_id"`
	NewNodeName  string `json:"new_node_name"`
	NewNodeID    string `json:"new_node_id,omitempty"`
}

func (p AddNode) Apply(t *tree.Tree) tree.Code {
	return t.AddNode(p.ParentNodeID, p.NewNodeName, p.NewNodeID)
}
func (p AddNode) opType() Type { return TypeAddNode }

// ReopenNode puts a completed node (and completed ancestors) back to
// Waiting.
type ReopenNode struct {
	NodeID string `json:"node_id"`
}

func (p ReopenNode) Apply(t *tree.Tree) tree.Code { return t.ReopenNode(p.NodeID) }
func (p ReopenNode) opType() Type                 { return TypeReopenNode }

// CompleteNode marks a ready node Completed.
type CompleteNode struct {
	NodeID string `json:"node_id"`
}

func (p CompleteNode) Apply(t *tree.Tree) tree.Code { return t.CompleteNode(p.NodeID) }
func (p CompleteNode) opType() Type                 { return TypeCompleteNode }

// RemoveNode detaches a childless non-root node.
type RemoveNode struct {
	NodeID string `json:"node_id"`
}

func (p RemoveNode) Apply(t *tree.Tree) tree.Code { return t.RemoveNode(p.NodeID) }
func (p RemoveNode) opType() Type                 { return TypeRemoveNode }

// RemoveSubtree detaches a non-root node with everything below it.
type RemoveSubtree struct {
	NodeID string `json:"node_id"`
}

func (p RemoveSubtree) Apply(t *tree.Tree) tree.Code { return t.RemoveSubtree(p.NodeID) }
func (p RemoveSubtree) opType() Type                 { return TypeRemoveSubtree }

// MoveNode re-parents a node.
type MoveNode struct {
	NodeID      string `json:"node_id"`
	NewParentID string `json:"new_parent_id"`
}

func (p MoveNode) Apply(t *tree.Tree) tree.Code { return t.MoveNode(p.NodeID, p.NewParentID) }
func (p MoveNode) opType() Type                 { return TypeMoveNode }

// Operation is an immutable command value: one payload plus the client
// timestamp (milliseconds; the engine treats it as opaque).
type Operation struct {
	Payload   Payload
	Timestamp int64
}

// Type returns the kind tag of the operation's payload.
func (o Operation) Type() Type { return o.Payload.opType() }

// Apply executes the operation against a tree.
func (o Operation) Apply(t *tree.Tree) tree.Code { return o.Payload.Apply(t) }

// wireOperation is the external shape of an operation.
type wireOperation struct {
	OpType    Type    `json:"op_type"`
	Payload   Payload `json:"payload"`
	Timestamp int64   `json:"timestamp"`
}

// Canonical returns the byte-exact canonical encoding used on the wire
// and as ledger hash input.
func (o Operation) Canonical() (string, error) {
	return canonical.String(wireOperation{
		OpType:    o.Type(),
		Payload:   o.Payload,
		Timestamp: o.Timestamp,
	})
}
