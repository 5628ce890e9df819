package gittree

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type createCall struct {
	base    string
	entries []Entry
}

type fakeGit struct {
	trees   map[string][]Entry
	gets    []string
	creates []createCall
	failOn  string
}

func newFakeGit() *fakeGit {
	return &fakeGit{trees: map[string][]Entry{}}
}

func (f *fakeGit) GetTree(ctx context.Context, sha string) ([]Entry, error) {
	f.gets = append(f.gets, sha)
	entries, ok := f.trees[sha]
	if !ok {
		return nil, fmt.Errorf("tree %s not found", sha)
	}
	return entries, nil
}

func (f *fakeGit) CreateTree(ctx context.Context, base string, entries []Entry) (string, error) {
	if f.failOn != "" {
		for _, e := range entries {
			if e.Path == f.failOn {
				return "", errors.New("create failed")
			}
		}
	}
	f.creates = append(f.creates, createCall{base: base, entries: entries})
	sha := fmt.Sprintf("new-%d", len(f.creates))
	f.trees[sha] = entries
	return sha, nil
}

func TestTreeAdd(t *testing.T) {
	tree := New().
		Add("content/posts/a.md", "sha-a").
		Add("/static/img//x.png", "sha-x").
		Remove("content/old.md")

	require.Contains(t, tree, "content")
	require.Contains(t, tree, "static")
	posts := tree["content"].Children["posts"]
	require.NotNil(t, posts)
	assert.Equal(t, "sha-a", posts.Children["a.md"].File.SHA)
	assert.True(t, tree["content"].Children["old.md"].File.Deleted)
	assert.Equal(t, "sha-x", tree["static"].Children["img"].Children["x.png"].File.SHA)
	assert.Equal(t, 3, tree.Len())
	assert.Equal(t, []string{"content", "static"}, tree.Names())
}

func TestUpdateTreeEmptyRepository(t *testing.T) {
	git := newFakeGit()
	engine := NewEngine(git)

	desired := New().
		Add("content/posts/a.md", "sha-a").
		Add("static/x.png", "sha-x")

	res, err := engine.UpdateTree(context.Background(), "", "/", desired)
	require.NoError(t, err)

	assert.Empty(t, git.gets, "no base means no tree read")
	// posts, content, static, root
	require.Len(t, git.creates, 4)
	for _, c := range git.creates {
		assert.Empty(t, c.base)
	}

	root := git.creates[3]
	assert.Equal(t, []Entry{
		{Path: "content", Mode: ModeTree, Type: TypeTree, SHA: "new-2"},
		{Path: "static", Mode: ModeTree, Type: TypeTree, SHA: "new-3"},
	}, root.entries)
	assert.Equal(t, []Entry{{Path: "a.md", Mode: ModeBlob, Type: TypeBlob, SHA: "sha-a"}}, git.creates[0].entries)

	assert.Equal(t, &Result{Path: "/", Mode: ModeTree, Type: TypeTree, SHA: "new-4"}, res)
}

func TestUpdateTreePartialUpdate(t *testing.T) {
	git := newFakeGit()
	git.trees["root"] = []Entry{
		{Path: "README.md", Mode: ModeBlob, Type: TypeBlob, SHA: "readme"},
		{Path: "content", Mode: ModeTree, Type: TypeTree, SHA: "content-tree"},
		{Path: "run.sh", Mode: "100755", Type: TypeBlob, SHA: "old-run"},
	}
	git.trees["content-tree"] = []Entry{
		{Path: "a.md", Mode: ModeBlob, Type: TypeBlob, SHA: "old-a"},
		{Path: "b.md", Mode: ModeBlob, Type: TypeBlob, SHA: "old-b"},
	}

	desired := New().
		Add("content/a.md", "new-a").
		Add("content/c.md", "new-c").
		Add("run.sh", "new-run")

	res, err := NewEngine(git).UpdateTree(context.Background(), "root", "/", desired)
	require.NoError(t, err)

	assert.Equal(t, []string{"root", "content-tree"}, git.gets)
	require.Len(t, git.creates, 2)

	content := git.creates[0]
	assert.Equal(t, "content-tree", content.base, "base_tree preserves b.md")
	assert.Equal(t, []Entry{
		{Path: "a.md", Mode: ModeBlob, Type: TypeBlob, SHA: "new-a"},
		{Path: "c.md", Mode: ModeBlob, Type: TypeBlob, SHA: "new-c"},
	}, content.entries)

	root := git.creates[1]
	assert.Equal(t, "root", root.base)
	assert.Equal(t, []Entry{
		{Path: "content", Mode: ModeTree, Type: TypeTree, SHA: "new-1"},
		{Path: "run.sh", Mode: "100755", Type: TypeBlob, SHA: "new-run"},
	}, root.entries)

	assert.Equal(t, "root", res.ParentSHA)
	assert.Equal(t, "new-2", res.SHA)
}

func TestUpdateTreeKindCollision(t *testing.T) {
	git := newFakeGit()
	git.trees["root"] = []Entry{
		{Path: "notes", Mode: ModeTree, Type: TypeTree, SHA: "notes-tree"},
		{Path: "docs", Mode: ModeBlob, Type: TypeBlob, SHA: "docs-blob"},
	}

	desired := New().
		Add("notes", "notes-file").
		Add("docs/index.md", "index")

	_, err := NewEngine(git).UpdateTree(context.Background(), "root", "/", desired)
	require.NoError(t, err)

	assert.Equal(t, []string{"root"}, git.gets, "a blob is never read as a tree")
	require.Len(t, git.creates, 2)
	assert.Empty(t, git.creates[0].base)
	assert.Equal(t, []Entry{
		{Path: "notes", Mode: ModeBlob, Type: TypeBlob, SHA: "notes-file"},
		{Path: "docs", Mode: ModeTree, Type: TypeTree, SHA: "new-1"},
	}, git.creates[1].entries)
}

func TestUpdateTreeDeletion(t *testing.T) {
	git := newFakeGit()
	git.trees["root"] = []Entry{
		{Path: "a.json", Mode: ModeBlob, Type: TypeBlob, SHA: "a"},
		{Path: "b.json", Mode: ModeBlob, Type: TypeBlob, SHA: "b"},
	}

	desired := New().Remove("a.json").Remove("missing.json")

	_, err := NewEngine(git).UpdateTree(context.Background(), "root", "/", desired)
	require.NoError(t, err)

	require.Len(t, git.creates, 1)
	assert.Equal(t, []Entry{{Path: "a.json", Mode: ModeBlob, Type: TypeBlob, Deleted: true}}, git.creates[0].entries)

	out, err := json.Marshal(git.creates[0].entries)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"path":"a.json","mode":"100644","type":"blob","sha":null}]`, string(out))
}

func TestUpdateTreeUnchanged(t *testing.T) {
	git := newFakeGit()
	git.trees["root"] = []Entry{
		{Path: "content", Mode: ModeTree, Type: TypeTree, SHA: "content-tree"},
	}
	git.trees["content-tree"] = []Entry{
		{Path: "a.md", Mode: ModeBlob, Type: TypeBlob, SHA: "a"},
	}

	desired := New().
		Remove("content/missing.md").
		Remove("drafts/x.md").
		Remove("gone.json")

	res, err := NewEngine(git).UpdateTree(context.Background(), "root", "/", desired)
	require.NoError(t, err)

	assert.False(t, res.Changed)
	assert.Equal(t, "root", res.SHA)
	assert.Empty(t, git.creates, "no tree is written when nothing changes")
	assert.Equal(t, []string{"root", "content-tree"}, git.gets)

	t.Run("changed below an existing directory", func(t *testing.T) {
		git.creates = nil
		res, err := NewEngine(git).UpdateTree(context.Background(), "root", "/", New().Remove("content/a.md").Remove("drafts/x.md"))
		require.NoError(t, err)
		assert.True(t, res.Changed)
		require.Len(t, git.creates, 2)
		assert.Equal(t, []Entry{{Path: "content", Mode: ModeTree, Type: TypeTree, SHA: "new-1"}}, git.creates[1].entries)
	})
}

func TestUpdateTreeErrors(t *testing.T) {
	t.Run("missing base tree", func(t *testing.T) {
		git := newFakeGit()
		_, err := NewEngine(git).UpdateTree(context.Background(), "nope", "/", New().Add("a", "x"))
		require.Error(t, err)
		assert.Empty(t, git.creates)
	})

	t.Run("nested create failure", func(t *testing.T) {
		git := newFakeGit()
		git.failOn = "a.md"
		_, err := NewEngine(git).UpdateTree(context.Background(), "", "/", New().Add("dir/a.md", "x"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dir")
		assert.Empty(t, git.creates, "no parent tree after a failed child")
	})
}

func TestEntryJSON(t *testing.T) {
	var entries []Entry
	err := json.Unmarshal([]byte(`[{"path":"a","mode":"100644","type":"blob","sha":"x"},{"path":"b","mode":"100644","type":"blob","sha":null}]`), &entries)
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{Path: "a", Mode: ModeBlob, Type: TypeBlob, SHA: "x"},
		{Path: "b", Mode: ModeBlob, Type: TypeBlob, Deleted: true},
	}, entries)
}
