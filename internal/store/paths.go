package store

import (
	"path"
	"strings"
)

// Paths builds the coordination-store namespace under a root.
type Paths struct {
	root string
}

// NewPaths normalizes root ("/kvring", "/kvring/" and "kvring" are equivalent).
func NewPaths(root string) Paths {
	return Paths{root: path.Clean("/" + strings.Trim(root, "/"))}
}

// Root returns the namespace root
func (p Paths) Root() string { return p.root }

// Servers is the parent of every metadata record.
func (p Paths) Servers() string { return path.Join(p.root, "servers") }

// Server is the metadata record path of a node.
func (p Paths) Server(name string) string { return path.Join(p.root, "servers", name) }

// Op is the transfer message path of a node.
func (p Paths) Op(name string) string { return path.Join(p.root, "servers", name, "op") }

// Metadata is the ring snapshot path.
func (p Paths) Metadata() string { return path.Join(p.root, "metadata") }

func parentOf(p string) (string, string) {
	dir, base := path.Split(path.Clean(p))
	return path.Clean(dir), base
}
