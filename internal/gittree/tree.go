// Package gittree builds the nested file tree of a persist and turns it
// into new remote tree objects, one per touched directory level.
package gittree

import (
	"encoding/json"
	"sort"
	"strings"
)

// Git object modes and types as the remote API spells them.
const (
	ModeBlob = "100644"
	ModeTree = "040000"
	TypeBlob = "blob"
	TypeTree = "tree"
)

// File is a leaf of the desired tree. Deleted marks a path to remove.
type File struct {
	Path    string
	SHA     string
	Deleted bool
}

// Node is either a file or a nested tree.
type Node struct {
	File     *File
	Children Tree
}

func (n *Node) IsFile() bool {
	return n.File != nil
}

// Tree maps a path segment to its node.
type Tree map[string]*Node

func New() Tree {
	return Tree{}
}

// Add places a file with a known blob sha at p, creating intermediate
// directories. A later Add of the same path wins.
func (t Tree) Add(p, sha string) Tree {
	t.put(p, &File{Path: p, SHA: sha})
	return t
}

// Remove places a deletion marker at p.
func (t Tree) Remove(p string) Tree {
	t.put(p, &File{Path: p, Deleted: true})
	return t
}

func (t Tree) put(p string, f *File) {
	parts := splitPath(p)
	if len(parts) == 0 {
		return
	}
	name := parts[len(parts)-1]
	sub := t
	for _, part := range parts[:len(parts)-1] {
		node, ok := sub[part]
		if !ok || node.IsFile() {
			node = &Node{Children: Tree{}}
			sub[part] = node
		}
		sub = node.Children
	}
	sub[name] = &Node{File: f}
}

// Names returns the segment names of t in sorted order.
func (t Tree) Names() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len counts the files below t.
func (t Tree) Len() int {
	n := 0
	for _, node := range t {
		if node.IsFile() {
			n++
			continue
		}
		n += node.Children.Len()
	}
	return n
}

func splitPath(p string) []string {
	var parts []string
	for _, part := range strings.Split(p, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

// Entry is one row of a remote tree. On the wire a deleted entry carries a
// null sha.
type Entry struct {
	Path    string
	Mode    string
	Type    string
	SHA     string
	Deleted bool
}

type wireEntry struct {
	Path string  `json:"path"`
	Mode string  `json:"mode"`
	Type string  `json:"type"`
	SHA  *string `json:"sha"`
}

func (e Entry) MarshalJSON() ([]byte, error) {
	w := wireEntry{Path: e.Path, Mode: e.Mode, Type: e.Type}
	if !e.Deleted {
		sha := e.SHA
		w.SHA = &sha
	}
	return json.Marshal(w)
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Entry{Path: w.Path, Mode: w.Mode, Type: w.Type}
	if w.SHA == nil {
		e.Deleted = true
	} else {
		e.SHA = *w.SHA
	}
	return nil
}
