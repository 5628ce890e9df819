package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	cmserrors "gitcms/internal/errors"
	"gitcms/internal/gittree"
)

func parseHash(s string) (plumbing.Hash, error) {
	if !plumbing.IsHash(s) {
		return plumbing.ZeroHash, cmserrors.ValidationError(fmt.Sprintf("invalid sha %q", s), nil)
	}
	return plumbing.NewHash(s), nil
}

func notFoundOr(err error, what string) error {
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return cmserrors.NotFound(what + " not found")
	}
	return err
}

func (g *Gateway) writeBlob(content []byte) (plumbing.Hash, error) {
	obj := g.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(content)))

	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("opening blob writer: %w", err)
	}
	if _, err := w.Write(content); err != nil {
		_ = w.Close()
		return plumbing.ZeroHash, fmt.Errorf("writing blob: %w", err)
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("closing blob writer: %w", err)
	}

	hash, err := g.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("storing blob: %w", err)
	}
	return hash, nil
}

func (g *Gateway) readBlob(hash plumbing.Hash) ([]byte, error) {
	blob, err := object.GetBlob(g.repo.Storer, hash)
	if err != nil {
		return nil, notFoundOr(err, "blob "+hash.String())
	}
	r, err := blob.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// resolveTree accepts a tree or a commit hash.
func (g *Gateway) resolveTree(hash plumbing.Hash) (*object.Tree, error) {
	obj, err := g.repo.Storer.EncodedObject(plumbing.AnyObject, hash)
	if err != nil {
		return nil, notFoundOr(err, "tree "+hash.String())
	}

	switch obj.Type() {
	case plumbing.TreeObject:
		return object.DecodeTree(g.repo.Storer, obj)
	case plumbing.CommitObject:
		commit, err := object.DecodeCommit(g.repo.Storer, obj)
		if err != nil {
			return nil, err
		}
		return commit.Tree()
	default:
		return nil, cmserrors.ValidationError(fmt.Sprintf("%s is a %s, not a tree", hash, obj.Type()), nil)
	}
}

func (g *Gateway) commit(hash plumbing.Hash) (*object.Commit, error) {
	c, err := object.GetCommit(g.repo.Storer, hash)
	if err != nil {
		return nil, notFoundOr(err, "commit "+hash.String())
	}
	return c, nil
}

func modeString(m filemode.FileMode) string {
	return fmt.Sprintf("%06o", uint32(m))
}

func entryType(m filemode.FileMode) string {
	switch m {
	case filemode.Dir:
		return gittree.TypeTree
	case filemode.Submodule:
		return "commit"
	default:
		return gittree.TypeBlob
	}
}

func toEntries(tree *object.Tree) []gittree.Entry {
	entries := make([]gittree.Entry, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		entries = append(entries, gittree.Entry{
			Path: e.Name,
			Mode: modeString(e.Mode),
			Type: entryType(e.Mode),
			SHA:  e.Hash.String(),
		})
	}
	return entries
}

// sortEntries orders entries the way git hashes them: directories compare
// as if their name ended in a slash.
func sortEntries(entries []object.TreeEntry) {
	key := func(e object.TreeEntry) string {
		if e.Mode == filemode.Dir {
			return e.Name + "/"
		}
		return e.Name
	}
	sort.Slice(entries, func(i, j int) bool {
		return key(entries[i]) < key(entries[j])
	})
}

func (g *Gateway) writeTree(entries []object.TreeEntry) (plumbing.Hash, error) {
	sortEntries(entries)
	tree := &object.Tree{Entries: entries}

	obj := g.repo.Storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("encoding tree: %w", err)
	}
	hash, err := g.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("storing tree: %w", err)
	}
	return hash, nil
}

// createTree applies entries on top of the tree at base. An entry with a
// deleted sha removes the path.
func (g *Gateway) createTree(base string, entries []gittree.Entry) (plumbing.Hash, error) {
	current := map[string]object.TreeEntry{}
	if base != "" {
		baseHash, err := parseHash(base)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		tree, err := g.resolveTree(baseHash)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		for _, e := range tree.Entries {
			current[e.Name] = e
		}
	}

	for _, e := range entries {
		if e.Path == "" || strings.Contains(e.Path, "/") {
			return plumbing.ZeroHash, cmserrors.ValidationError(fmt.Sprintf("invalid tree path %q", e.Path), nil)
		}
		if e.Deleted {
			delete(current, e.Path)
			continue
		}

		mode, err := filemode.New(e.Mode)
		if err != nil {
			return plumbing.ZeroHash, cmserrors.ValidationError(fmt.Sprintf("invalid mode %q for %s", e.Mode, e.Path), nil)
		}
		hash, err := parseHash(e.SHA)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		want := plumbing.BlobObject
		if mode == filemode.Dir {
			want = plumbing.TreeObject
		}
		if mode != filemode.Submodule {
			if _, err := g.repo.Storer.EncodedObject(want, hash); err != nil {
				return plumbing.ZeroHash, cmserrors.ValidationError(fmt.Sprintf("%s %s for %s does not exist", want, e.SHA, e.Path), nil)
			}
		}
		current[e.Path] = object.TreeEntry{Name: e.Path, Mode: mode, Hash: hash}
	}

	out := make([]object.TreeEntry, 0, len(current))
	for _, e := range current {
		out = append(out, e)
	}
	return g.writeTree(out)
}

func (g *Gateway) writeCommit(message string, tree plumbing.Hash, parents []plumbing.Hash) (plumbing.Hash, error) {
	sig := object.Signature{Name: g.authorName, Email: g.authorEmail, When: g.now()}
	commit := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      message,
		TreeHash:     tree,
		ParentHashes: parents,
	}

	obj := g.repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("encoding commit: %w", err)
	}
	hash, err := g.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("storing commit: %w", err)
	}
	return hash, nil
}

// treeStore lets the tree engine build nested trees directly in the
// object store, for merges.
type treeStore struct {
	g *Gateway
}

func (s treeStore) GetTree(ctx context.Context, sha string) ([]gittree.Entry, error) {
	hash, err := parseHash(sha)
	if err != nil {
		return nil, err
	}
	tree, err := s.g.resolveTree(hash)
	if err != nil {
		return nil, err
	}
	return toEntries(tree), nil
}

func (s treeStore) CreateTree(ctx context.Context, base string, entries []gittree.Entry) (string, error) {
	hash, err := s.g.createTree(base, entries)
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}
