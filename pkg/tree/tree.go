// Package tree implements the in-memory work tree state machine.
//
// A Tree is only ever mutated through the six structural operations
// below. Each returns a domain status code rather than an error: the
// caller decides whether a rejection is worth reporting, and rejections
// carry no state change.
package tree

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a single node.
type Status string

const (
	StatusWaiting   Status = "Waiting"
	StatusCompleted Status = "Completed"
)

// Code is the domain status returned by every tree operation.
type Code int

const (
	// OK means the operation was applied.
	OK Code = 0
	// Rejected means the operation violated a structural rule and the
	// tree is unchanged.
	Rejected Code = -1
)

// RootName is the fixed name of every tree's root node.
const RootName = "WorkRoot"

// RootID returns the deterministic identity of the root node: the
// truncated hex SHA-256 digest of RootName. Every tree of every user
// shares this id, so clients can address the root without any lookup.
func RootID() string {
	sum := sha256.Sum256([]byte(RootName))
	return hex.EncodeToString(sum[:])[:32]
}

// NewNodeID generates a fresh node identity: a v4 UUID with the dashes
// stripped, matching the id format clients generate locally.
func NewNodeID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Node is one work item. Children are owned; Parent is a non-owning
// back-reference and is nil only for the root.
type Node struct {
	ID       string
	Name     string
	Status   Status
	Children []*Node
	Parent   *Node
}

// isReady reports whether every direct child is completed. A childless
// node is vacuously ready.
func (n *Node) isReady() bool {
	for _, child := range n.Children {
		if child.Status != StatusCompleted {
			return false
		}
	}
	return true
}

func (n *Node) hasChildNamed(name string) bool {
	for _, child := range n.Children {
		if child.Name == name {
			return true
		}
	}
	return false
}

// detach removes n from its parent's child list. The parent reference
// itself is left for the caller to rewrite or drop.
func (n *Node) detach() {
	siblings := n.Parent.Children
	for i, sibling := range siblings {
		if sibling.ID == n.ID {
			n.Parent.Children = append(siblings[:i], siblings[i+1:]...)
			return
		}
	}
}

// Tree owns a root node and everything reachable from it.
type Tree struct {
	Root *Node
}

// New creates an empty tree holding only the fixed root.
func New() *Tree {
	return &Tree{
		Root: &Node{
			ID:     RootID(),
			Name:   RootName,
			Status: StatusWaiting,
		},
	}
}

// NodeByID looks a node up by identity, depth-first from the root.
// Returns nil if no node carries the id.
func (t *Tree) NodeByID(id string) *Node {
	return findNode(t.Root, id)
}

func findNode(n *Node, id string) *Node {
	if n.ID == id {
		return n
	}
	for _, child := range n.Children {
		if found := findNode(child, id); found != nil {
			return found
		}
	}
	return nil
}

// AddNode creates a Waiting child under parentID. An empty id asks the
// tree to generate one. Rejected if the parent is absent or a sibling
// already carries the name.
func (t *Tree) AddNode(parentID, name, id string) Code {
	parent := t.NodeByID(parentID)
	if parent == nil {
		return Rejected
	}
	if parent.hasChildNamed(name) {
		return Rejected
	}
	if id == "" {
		id = NewNodeID()
	}
	parent.Children = append(parent.Children, &Node{
		ID:     id,
		Name:   name,
		Status: StatusWaiting,
		Parent: parent,
	})
	return OK
}

// ReopenNode puts a completed node back to Waiting. Every completed
// ancestor is reopened with it: a completed parent is no longer valid
// once a descendant is open again.
func (t *Tree) ReopenNode(id string) Code {
	node := t.NodeByID(id)
	if node == nil || node.Status != StatusCompleted {
		return Rejected
	}
	for curr := node; curr != nil; curr = curr.Parent {
		if curr != node && curr.Status != StatusCompleted {
			break
		}
		curr.Status = StatusWaiting
	}
	return OK
}

// CompleteNode marks a node Completed. Rejected if the node is absent,
// already completed, or any direct child is still waiting.
func (t *Tree) CompleteNode(id string) Code {
	node := t.NodeByID(id)
	if node == nil || !node.isReady() {
		return Rejected
	}
	if node.Status == StatusCompleted {
		return Rejected
	}
	node.Status = StatusCompleted
	return OK
}

// RemoveNode detaches a childless non-root node.
func (t *Tree) RemoveNode(id string) Code {
	node := t.NodeByID(id)
	if node == nil {
		return Rejected
	}
	if len(node.Children) > 0 || node.Parent == nil {
		return Rejected
	}
	node.detach()
	node.Parent = nil
	return OK
}

// RemoveSubtree detaches a non-root node together with everything
// below it.
func (t *Tree) RemoveSubtree(id string) Code {
	node := t.NodeByID(id)
	if node == nil || node.Parent == nil {
		return Rejected
	}
	node.detach()
	node.Parent = nil
	return OK
}

// MoveNode re-parents a node under newParentID. Rejected if either node
// is absent, the node is the root, the target is the node itself or any
// of its descendants, or the target already has a child with the node's
// name.
func (t *Tree) MoveNode(id, newParentID string) Code {
	node := t.NodeByID(id)
	if node == nil || node.Parent == nil {
		return Rejected
	}
	newParent := t.NodeByID(newParentID)
	if newParent == nil {
		return Rejected
	}

	// Walking the target's ancestor chain catches both moving a node
	// under itself and under one of its descendants.
	for curr := newParent; curr != nil && curr.ID != t.Root.ID; curr = curr.Parent {
		if curr.ID == id {
			return Rejected
		}
	}

	if newParent.hasChildNamed(node.Name) {
		return Rejected
	}

	node.detach()
	newParent.Children = append(newParent.Children, node)
	node.Parent = newParent
	return OK
}

// Equal reports whether two trees are structurally identical: same ids,
// names, statuses and child ordering throughout.
func Equal(a, b *Tree) bool {
	return nodesEqual(a.Root, b.Root)
}

func nodesEqual(a, b *Node) bool {
	if a.ID != b.ID || a.Name != b.Name || a.Status != b.Status {
		return false
	}
	if len(a.Children) != len(b.Children) {
		return false
	}
	for i := range a.Children {
		if !nodesEqual(a.Children[i], b.Children[i]) {
			return false
		}
	}
	return true
}
