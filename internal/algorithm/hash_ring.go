package algorithm

import (
	"errors"
	"fmt"

	"github.com/google/btree"

	"github.com/devrev/kvring/internal/model"
)

var (
	// ErrHashCollision is returned when a node hashes to a position already taken
	ErrHashCollision = errors.New("hash collision")
	// ErrNodeNotFound is returned when a named node is not on the ring
	ErrNodeNotFound = errors.New("node not on ring")
	// ErrDuplicateName is returned when a node name is already on the ring
	ErrDuplicateName = errors.New("node name already on ring")
)

const btreeDegree = 8

// HashRing is the ordered set of active nodes keyed by their hash. Every node owns
// (predecessor.hash, own.hash]; the ranges of all nodes partition the ring.
//
// HashRing does no locking. Callers serialize mutations.
type HashRing struct {
	tree   *btree.BTreeG[model.Node]
	byName map[string]model.Hash
}

func lessByHash(a, b model.Node) bool {
	return a.Hash.Less(b.Hash)
}

// NewHashRing creates an empty ring
func NewHashRing() *HashRing {
	return &HashRing{
		tree:   btree.NewG(btreeDegree, lessByHash),
		byName: make(map[string]model.Hash),
	}
}

// AddNode places node on the ring, assigns its range and shrinks its successor's range.
// On error the ring is unchanged.
func (r *HashRing) AddNode(node model.Node) error {
	if _, ok := r.byName[node.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateName, node.Name)
	}
	if existing, ok := r.tree.Get(model.Node{Hash: node.Hash}); ok {
		return fmt.Errorf("%w: %s and %s share %s", ErrHashCollision, node.Name, existing.Name, node.Hash)
	}

	if r.tree.Len() == 0 {
		node.Range = model.NewHashRange(node.Hash, node.Hash)
		r.put(node)
		return nil
	}

	// With one node on the ring prev and succ are the same node.
	prev, _ := r.PrevNode(node.Hash)
	succ, _ := r.NextNode(node.Hash)

	node.Range = model.NewHashRange(prev.Hash, node.Hash)
	succ.Range = model.NewHashRange(node.Hash, succ.Hash)

	r.put(node)
	r.put(succ)
	return nil
}

// RemoveNode takes the named node off the ring and returns the range it owned.
// The successor absorbs the vacated range.
func (r *HashRing) RemoveNode(name string) (model.HashRange, error) {
	h, ok := r.byName[name]
	if !ok {
		return model.HashRange{}, fmt.Errorf("%w: %s", ErrNodeNotFound, name)
	}

	removed, _ := r.tree.Delete(model.Node{Hash: h})
	delete(r.byName, name)

	vacated := model.HashRange{Start: h, End: h}
	if removed.Range != nil {
		vacated = *removed.Range
	}

	if r.tree.Len() == 0 {
		return vacated, nil
	}

	succ, _ := r.NextNode(h)
	succ.Range = model.NewHashRange(vacated.Start, succ.Hash)
	r.put(succ)
	return vacated, nil
}

// NodeByHash returns the node responsible for h: the first node whose hash is >= h,
// wrapping to the smallest hash.
func (r *HashRing) NodeByHash(h model.Hash) (model.Node, bool) {
	var found model.Node
	var ok bool
	r.tree.AscendGreaterOrEqual(model.Node{Hash: h}, func(n model.Node) bool {
		found, ok = n, true
		return false
	})
	if ok {
		return found, true
	}
	return r.tree.Min()
}

// NodeByKey returns the node responsible for key.
func (r *HashRing) NodeByKey(key string) (model.Node, bool) {
	return r.NodeByHash(model.HashKey(key))
}

// NodeByName returns the named node.
func (r *HashRing) NodeByName(name string) (model.Node, bool) {
	h, ok := r.byName[name]
	if !ok {
		return model.Node{}, false
	}
	return r.tree.Get(model.Node{Hash: h})
}

// NextNode returns the first node whose hash is strictly greater than h, wrapping.
func (r *HashRing) NextNode(h model.Hash) (model.Node, bool) {
	var found model.Node
	var ok bool
	r.tree.AscendGreaterOrEqual(model.Node{Hash: h}, func(n model.Node) bool {
		if n.Hash == h {
			return true
		}
		found, ok = n, true
		return false
	})
	if ok {
		return found, true
	}
	return r.tree.Min()
}

// PrevNode returns the last node whose hash is strictly less than h, wrapping.
func (r *HashRing) PrevNode(h model.Hash) (model.Node, bool) {
	var found model.Node
	var ok bool
	r.tree.DescendLessOrEqual(model.Node{Hash: h}, func(n model.Node) bool {
		if n.Hash == h {
			return true
		}
		found, ok = n, true
		return false
	})
	if ok {
		return found, true
	}
	return r.tree.Max()
}

// NextNodeByName returns the successor of the named node.
func (r *HashRing) NextNodeByName(name string) (model.Node, bool) {
	h, ok := r.byName[name]
	if !ok {
		return model.Node{}, false
	}
	return r.NextNode(h)
}

// PrevNodeByName returns the predecessor of the named node.
func (r *HashRing) PrevNodeByName(name string) (model.Node, bool) {
	h, ok := r.byName[name]
	if !ok {
		return model.Node{}, false
	}
	return r.PrevNode(h)
}

// Replicas returns up to count successors of the named node in ring order.
// The node itself is never included.
func (r *HashRing) Replicas(name string, count int) []model.Node {
	h, ok := r.byName[name]
	if !ok || count <= 0 {
		return nil
	}
	if limit := r.tree.Len() - 1; count > limit {
		count = limit
	}

	replicas := make([]model.Node, 0, count)
	cur := h
	for len(replicas) < count {
		next, _ := r.NextNode(cur)
		replicas = append(replicas, next)
		cur = next.Hash
	}
	return replicas
}

// Nodes returns every node in hash order
func (r *HashRing) Nodes() []model.Node {
	nodes := make([]model.Node, 0, r.tree.Len())
	r.tree.Ascend(func(n model.Node) bool {
		nodes = append(nodes, n)
		return true
	})
	return nodes
}

// Contains reports whether the named node is on the ring
func (r *HashRing) Contains(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Size returns the number of nodes
func (r *HashRing) Size() int {
	return r.tree.Len()
}

// Clear removes all nodes
func (r *HashRing) Clear() {
	r.tree.Clear(false)
	r.byName = make(map[string]model.Hash)
}

// SetState records a new lifecycle state for a node already on the ring.
func (r *HashRing) SetState(name string, state model.NodeState) (model.Node, error) {
	node, ok := r.NodeByName(name)
	if !ok {
		return model.Node{}, fmt.Errorf("%w: %s", ErrNodeNotFound, name)
	}
	node.State = state
	r.put(node)
	return node, nil
}

// Snapshot returns the serializable form of the ring.
func (r *HashRing) Snapshot() model.RingSnapshot {
	snap := model.RingSnapshot{Version: model.SnapshotVersion, Nodes: make([]model.NodeRecord, 0, r.tree.Len())}
	r.tree.Ascend(func(n model.Node) bool {
		snap.Nodes = append(snap.Nodes, model.RecordOf(n))
		return true
	})
	return snap
}

// FromSnapshot rebuilds a ring by inserting every node of snap. Ranges are recomputed,
// so they always partition the ring even if the snapshot was written by an older layout.
func FromSnapshot(snap model.RingSnapshot) (*HashRing, error) {
	ring := NewHashRing()
	for _, rec := range snap.Nodes {
		node, err := rec.Node()
		if err != nil {
			return nil, err
		}
		if err := ring.AddNode(node); err != nil {
			return nil, err
		}
	}
	return ring, nil
}

func (r *HashRing) put(node model.Node) {
	r.tree.ReplaceOrInsert(node)
	r.byName[node.Name] = node.Hash
}
