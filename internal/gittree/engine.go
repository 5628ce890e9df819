package gittree

import (
	"context"
	"fmt"
)

// GitData is the part of the remote git-data API the engine needs.
type GitData interface {
	GetTree(ctx context.Context, sha string) ([]Entry, error)
	CreateTree(ctx context.Context, baseSHA string, entries []Entry) (string, error)
}

// Result describes the tree created for one directory level.
type Result struct {
	Path      string `json:"path"`
	Mode      string `json:"mode"`
	Type      string `json:"type"`
	SHA       string `json:"sha"`
	ParentSHA string `json:"parentSha,omitempty"`
	// Changed is false when desired left the base tree as it was; SHA is
	// then the base sha and no tree was created.
	Changed bool `json:"-"`
}

type Engine struct {
	git GitData
}

func NewEngine(git GitData) *Engine {
	return &Engine{git: git}
}

// UpdateTree writes desired on top of the tree at baseSHA and returns the
// new tree. Entries of the base that desired does not mention are kept
// through base_tree. Children are processed sequentially: existing entries
// in base order, then new names sorted.
func (e *Engine) UpdateTree(ctx context.Context, baseSHA, path string, desired Tree) (*Result, error) {
	var current []Entry
	if baseSHA != "" {
		entries, err := e.git.GetTree(ctx, baseSHA)
		if err != nil {
			return nil, fmt.Errorf("reading tree %s: %w", baseSHA, err)
		}
		current = entries
	}

	handled := make(map[string]bool, len(desired))
	updates := make([]Entry, 0, len(desired))

	for _, obj := range current {
		node, ok := desired[obj.Path]
		if !ok {
			continue
		}
		handled[obj.Path] = true

		if node.IsFile() {
			updates = append(updates, replaceEntry(obj, node.File))
			continue
		}

		base := ""
		if obj.Type == TypeTree {
			base = obj.SHA
		}
		sub, err := e.UpdateTree(ctx, base, obj.Path, node.Children)
		if err != nil {
			return nil, err
		}
		if !sub.Changed {
			continue
		}
		updates = append(updates, Entry{Path: obj.Path, Mode: ModeTree, Type: TypeTree, SHA: sub.SHA})
	}

	for _, name := range desired.Names() {
		if handled[name] {
			continue
		}
		node := desired[name]
		if node.IsFile() {
			if node.File.Deleted {
				// Nothing to remove.
				continue
			}
			updates = append(updates, Entry{Path: name, Mode: ModeBlob, Type: TypeBlob, SHA: node.File.SHA})
			continue
		}

		sub, err := e.UpdateTree(ctx, "", name, node.Children)
		if err != nil {
			return nil, err
		}
		if !sub.Changed {
			// Only deletions below a directory that does not exist.
			continue
		}
		updates = append(updates, Entry{Path: name, Mode: ModeTree, Type: TypeTree, SHA: sub.SHA})
	}

	if len(updates) == 0 && (baseSHA != "" || path != "/") {
		return &Result{Path: path, Mode: ModeTree, Type: TypeTree, SHA: baseSHA, ParentSHA: baseSHA}, nil
	}

	sha, err := e.git.CreateTree(ctx, baseSHA, updates)
	if err != nil {
		return nil, fmt.Errorf("creating tree for %s: %w", path, err)
	}

	return &Result{Path: path, Mode: ModeTree, Type: TypeTree, SHA: sha, ParentSHA: baseSHA, Changed: len(updates) > 0}, nil
}

// replaceEntry keeps the mode of an existing blob (so an executable stays
// executable) and writes a plain blob over anything else.
func replaceEntry(obj Entry, f *File) Entry {
	mode, typ := obj.Mode, obj.Type
	if typ != TypeBlob {
		mode, typ = ModeBlob, TypeBlob
	}
	if f.Deleted {
		return Entry{Path: obj.Path, Mode: obj.Mode, Type: obj.Type, Deleted: true}
	}
	return Entry{Path: obj.Path, Mode: mode, Type: typ, SHA: f.SHA}
}
