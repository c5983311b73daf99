package model

import (
	"fmt"
	"net"
	"strconv"
)

// NodeState represents the lifecycle state of a storage node
type NodeState string

const (
	// StateStopped indicates a provisionable node that is not serving
	StateStopped NodeState = "STOPPED"
	// StateIdle indicates a node placed on the ring but not yet launched
	StateIdle NodeState = "IDLE"
	// StateStarted indicates a node serving requests
	StateStarted NodeState = "STARTED"
	// StateShutDown indicates a retired node; terminal
	StateShutDown NodeState = "SHUT_DOWN"
)

// ParseNodeState parses the wire form of a node state.
func ParseNodeState(s string) (NodeState, error) {
	switch state := NodeState(s); state {
	case StateStopped, StateIdle, StateStarted, StateShutDown:
		return state, nil
	default:
		return "", fmt.Errorf("unknown node state %q", s)
	}
}

// Node is the unit of partitioning and of physical capacity.
//
// Nodes are held by value. The pool owns a node until it is placed, the ring owns it
// while placed, and both hand out copies. Range is never mutated in place; a change
// of ownership assigns a new *HashRange.
type Node struct {
	Name           string     `json:"name"`
	Host           string     `json:"host"`
	Port           int        `json:"port"`
	Hash           Hash       `json:"hash"`
	Range          *HashRange `json:"-"`
	State          NodeState  `json:"state"`
	CacheSize      int        `json:"cache_size"`
	EvictionPolicy string     `json:"eviction_policy"`
}

// NewNode creates a stopped node with its ring position computed from host:port.
func NewNode(name, host string, port int) Node {
	return Node{
		Name:  name,
		Host:  host,
		Port:  port,
		Hash:  HashAddress(host, port),
		State: StateStopped,
	}
}

// Address returns host:port.
func (n Node) Address() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// Owns reports whether the node's range contains h. A node without a range owns nothing.
func (n Node) Owns(h Hash) bool {
	return n.Range != nil && n.Range.Contains(h)
}

func (n Node) String() string {
	return fmt.Sprintf("%s(%s)", n.Name, n.Address())
}
