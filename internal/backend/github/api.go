// Package github talks to a GitHub-style git-data API (the netlify-git
// surface, which the gateway also serves).
package github

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"gitcms/client"
	"gitcms/internal/asset"
	cmserrors "gitcms/internal/errors"
	"gitcms/internal/gittree"
	"gitcms/internal/logging"
)

const (
	MetaRefType = "meta"
	MetaRefName = "_netlify_cms"
	MetaRef     = "refs/" + MetaRefType + "/" + MetaRefName

	// RawContentType asks the files endpoint for the raw file body.
	RawContentType = "application/vnd.netlify.raw"

	metadataReadme = "# Netlify CMS\n\nThis tree is used by the Netlify CMS to store metadata information for specific files and branches."
	prBody         = "Automatically generated by Netlify CMS"
	mergeMessage   = "Automatically generated. Merged on Netlify CMS."
)

// errNothingToCommit reports a tree change that left the base tree as it
// was, such as removing a path that does not exist.
var errNothingToCommit = errors.New("nothing to commit")

// MetaCache holds metadata documents for a limited time.
type MetaCache interface {
	GetMeta(key string, out any) (bool, error)
	PutMeta(key string, data any) error
	DeleteMeta(key string) error
}

type ObjectRef struct {
	SHA  string `json:"sha"`
	Type string `json:"type,omitempty"`
}

type Ref struct {
	Ref    string    `json:"ref"`
	Object ObjectRef `json:"object"`
}

type Commit struct {
	SHA     string      `json:"sha"`
	Message string      `json:"message"`
	Tree    ObjectRef   `json:"tree"`
	Parents []ObjectRef `json:"parents"`
}

// ListedFile is one row of a directory listing.
type ListedFile struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"` // file or dir
	SHA  string `json:"sha"`
	Size int64  `json:"size"`
}

type PRBranch struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

type PullRequest struct {
	Number         int      `json:"number"`
	Title          string   `json:"title"`
	Body           string   `json:"body"`
	State          string   `json:"state"`
	Head           PRBranch `json:"head"`
	Base           PRBranch `json:"base"`
	Merged         bool     `json:"merged"`
	MergeCommitSHA string   `json:"merge_commit_sha,omitempty"`
}

type User struct {
	Login string `json:"login"`
	Name  string `json:"name"`
}

type API struct {
	client *client.Client
	branch string
	engine *gittree.Engine
	cache  MetaCache
	now    func() time.Time
	logger *logging.Logger

	// user is recorded in workflow metadata.
	user string
}

type APIOption func(*API)

func WithMetaCache(c MetaCache) APIOption {
	return func(a *API) { a.cache = c }
}

func WithAPILogger(l *logging.Logger) APIOption {
	return func(a *API) { a.logger = l }
}

func WithAPIClock(now func() time.Time) APIOption {
	return func(a *API) { a.now = now }
}

func NewAPI(c *client.Client, branch string, opts ...APIOption) *API {
	a := &API{
		client: c,
		branch: branch,
		now:    time.Now,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.engine = gittree.NewEngine(a)
	return a
}

func (a *API) Branch() string { return a.branch }

func (a *API) SetUser(login string) { a.user = login }

func (a *API) User(ctx context.Context) (*User, error) {
	var u User
	if err := a.client.RequestJSON(ctx, "/user", client.Options{}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// ReadFile returns the raw content of path on branch.
func (a *API) ReadFile(ctx context.Context, path, branch string) (string, error) {
	if branch == "" {
		branch = a.branch
	}
	return a.client.RequestText(ctx, "/files/"+path, client.Options{
		Headers: map[string]string{"Content-Type": RawContentType},
		Params:  map[string]string{"ref": branch},
	})
}

func (a *API) ListFiles(ctx context.Context, path string) ([]ListedFile, error) {
	var files []ListedFile
	err := a.client.RequestJSON(ctx, "/files/"+path, client.Options{
		Params: map[string]string{"ref": a.branch},
	}, &files)
	if err != nil {
		return nil, err
	}
	return files, nil
}

// UploadBlob stores the content of f and marks it uploaded with the blob sha.
func (a *API) UploadBlob(ctx context.Context, f *asset.File) error {
	raw, err := f.Content()
	if err != nil {
		return err
	}

	var blob ObjectRef
	err = a.client.RequestJSON(ctx, "/blobs", client.Options{
		Method: http.MethodPost,
		Body: map[string]string{
			"content":  base64.StdEncoding.EncodeToString(raw),
			"encoding": "base64",
		},
	}, &blob)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", f.Path, err)
	}

	f.MarkUploaded(blob.SHA)
	return nil
}

type treeResponse struct {
	SHA  string          `json:"sha"`
	Tree []gittree.Entry `json:"tree"`
}

func (a *API) GetTree(ctx context.Context, sha string) ([]gittree.Entry, error) {
	if sha == "" {
		return nil, nil
	}
	var tree treeResponse
	if err := a.client.RequestJSON(ctx, "/trees/"+sha, client.Options{}, &tree); err != nil {
		return nil, err
	}
	return tree.Tree, nil
}

type createTreeRequest struct {
	BaseTree string          `json:"base_tree,omitempty"`
	Tree     []gittree.Entry `json:"tree"`
}

func (a *API) CreateTree(ctx context.Context, baseSHA string, entries []gittree.Entry) (string, error) {
	if entries == nil {
		entries = []gittree.Entry{}
	}
	var tree treeResponse
	err := a.client.RequestJSON(ctx, "/trees", client.Options{
		Method: http.MethodPost,
		Body:   createTreeRequest{BaseTree: baseSHA, Tree: entries},
	}, &tree)
	if err != nil {
		return "", err
	}
	return tree.SHA, nil
}

// UpdateTree writes desired on top of the tree at baseSHA.
func (a *API) UpdateTree(ctx context.Context, baseSHA, path string, desired gittree.Tree) (*gittree.Result, error) {
	return a.engine.UpdateTree(ctx, baseSHA, path, desired)
}

func (a *API) GetCommit(ctx context.Context, sha string) (*Commit, error) {
	var c Commit
	if err := a.client.RequestJSON(ctx, "/commits/"+sha, client.Options{}, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateCommit commits tree with the given parents; no parents makes a
// root commit.
func (a *API) CreateCommit(ctx context.Context, message, treeSHA string, parents []string) (*Commit, error) {
	if parents == nil {
		parents = []string{}
	}
	var c Commit
	err := a.client.RequestJSON(ctx, "/commits", client.Options{
		Method: http.MethodPost,
		Body: map[string]any{
			"message": message,
			"tree":    treeSHA,
			"parents": parents,
		},
	}, &c)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (a *API) GetRef(ctx context.Context, refType, name string) (*Ref, error) {
	var r Ref
	if err := a.client.RequestJSON(ctx, "/refs/"+refType+"/"+name, client.Options{}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (a *API) CreateRef(ctx context.Context, refType, name, sha string) (*Ref, error) {
	var r Ref
	err := a.client.RequestJSON(ctx, "/refs", client.Options{
		Method: http.MethodPost,
		Body:   map[string]string{"ref": "refs/" + refType + "/" + name, "sha": sha},
	}, &r)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (a *API) PatchRef(ctx context.Context, refType, name, sha string) (*Ref, error) {
	var r Ref
	err := a.client.RequestJSON(ctx, "/refs/"+refType+"/"+name, client.Options{
		Method: http.MethodPatch,
		Body:   map[string]string{"sha": sha},
	}, &r)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (a *API) DeleteRef(ctx context.Context, refType, name string) error {
	_, err := a.client.Request(ctx, "/refs/"+refType+"/"+name, client.Options{Method: http.MethodDelete})
	return err
}

func (a *API) GetBranch(ctx context.Context, branch string) (*Ref, error) {
	if branch == "" {
		branch = a.branch
	}
	return a.GetRef(ctx, "heads", branch)
}

func (a *API) CreateBranch(ctx context.Context, branch, sha string) (*Ref, error) {
	return a.CreateRef(ctx, "heads", branch, sha)
}

func (a *API) PatchBranch(ctx context.Context, branch, sha string) (*Ref, error) {
	return a.PatchRef(ctx, "heads", branch, sha)
}

func (a *API) DeleteBranch(ctx context.Context, branch string) error {
	return a.DeleteRef(ctx, "heads", branch)
}

func (a *API) CreatePR(ctx context.Context, title, head, base string) (*PullRequest, error) {
	if base == "" {
		base = a.branch
	}
	var pr PullRequest
	err := a.client.RequestJSON(ctx, "/pulls", client.Options{
		Method: http.MethodPost,
		Body: map[string]string{
			"title": title,
			"body":  prBody,
			"head":  head,
			"base":  base,
		},
	}, &pr)
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

func (a *API) GetPR(ctx context.Context, number int) (*PullRequest, error) {
	var pr PullRequest
	if err := a.client.RequestJSON(ctx, "/pulls/"+strconv.Itoa(number), client.Options{}, &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

func (a *API) MergePR(ctx context.Context, number int, headSHA string) error {
	body := map[string]string{"commit_message": mergeMessage}
	if headSHA != "" {
		body["sha"] = headSHA
	}
	_, err := a.client.Request(ctx, "/pulls/"+strconv.Itoa(number)+"/merge", client.Options{
		Method: http.MethodPut,
		Body:   body,
	})
	return err
}

func (a *API) ClosePR(ctx context.Context, number int) error {
	_, err := a.client.Request(ctx, "/pulls/"+strconv.Itoa(number), client.Options{
		Method: http.MethodPatch,
		Body:   map[string]string{"state": "closed"},
	})
	return err
}

// head returns the commit a branch points at and the tree of that commit.
// Both are empty when the branch does not exist.
func (a *API) head(ctx context.Context, branch string) (commitSHA, treeSHA string, err error) {
	ref, err := a.GetBranch(ctx, branch)
	if err != nil {
		if cmserrors.IsNotFound(err) {
			return "", "", nil
		}
		return "", "", fmt.Errorf("reading branch %s: %w", branch, err)
	}
	return a.commitTree(ctx, ref.Object.SHA)
}

func (a *API) commitTree(ctx context.Context, commitSHA string) (string, string, error) {
	commit, err := a.GetCommit(ctx, commitSHA)
	if err != nil {
		return "", "", fmt.Errorf("reading commit %s: %w", commitSHA, err)
	}
	return commitSHA, commit.Tree.SHA, nil
}

// commitOnto writes tree on top of parentSHA (whose tree is baseTree) and
// returns the new commit.
func (a *API) commitOnto(ctx context.Context, parentSHA, baseTree string, tree gittree.Tree, message string) (*Commit, error) {
	changed, err := a.UpdateTree(ctx, baseTree, "/", tree)
	if err != nil {
		return nil, err
	}
	if baseTree != "" && !changed.Changed {
		return nil, errNothingToCommit
	}

	var parents []string
	if parentSHA != "" {
		parents = []string{parentSHA}
	}
	commit, err := a.CreateCommit(ctx, message, changed.SHA, parents)
	if err != nil {
		return nil, fmt.Errorf("creating commit: %w", err)
	}
	return commit, nil
}

// commitToBranch commits tree on branch and moves the branch to the new
// commit, creating the branch when it does not exist yet.
func (a *API) commitToBranch(ctx context.Context, branch string, tree gittree.Tree, message string, checkHead bool) (*Commit, error) {
	parentSHA, baseTree, err := a.head(ctx, branch)
	if err != nil {
		return nil, err
	}

	commit, err := a.commitOnto(ctx, parentSHA, baseTree, tree, message)
	if err != nil {
		return nil, err
	}

	if parentSHA == "" {
		if _, err := a.CreateBranch(ctx, branch, commit.SHA); err != nil {
			return nil, fmt.Errorf("creating branch %s: %w", branch, err)
		}
	} else {
		if checkHead {
			if err := a.checkHead(ctx, branch, parentSHA); err != nil {
				return nil, err
			}
		}
		if _, err := a.PatchBranch(ctx, branch, commit.SHA); err != nil {
			return nil, fmt.Errorf("updating branch %s: %w", branch, err)
		}
	}

	a.logger.Info("committed",
		zap.String("branch", branch),
		zap.String("commit", commit.SHA),
		zap.String("parent", parentSHA),
	)
	return commit, nil
}

func (a *API) checkHead(ctx context.Context, branch, expected string) error {
	ref, err := a.GetBranch(ctx, branch)
	if err != nil {
		return fmt.Errorf("re-reading branch %s: %w", branch, err)
	}
	if ref.Object.SHA != expected {
		return fmt.Errorf("branch %s at %s, expected %s: %w", branch, ref.Object.SHA, expected, cmserrors.ErrStaleRef)
	}
	return nil
}

// DeleteFiles removes paths from branch in one commit.
func (a *API) DeleteFiles(ctx context.Context, branch, message string, paths ...string) error {
	if branch == "" {
		branch = a.branch
	}
	parentSHA, baseTree, err := a.head(ctx, branch)
	if err != nil {
		return err
	}
	if parentSHA == "" {
		return fmt.Errorf("deleting from %s: branch does not exist", branch)
	}

	tree := gittree.New()
	for _, p := range paths {
		tree.Remove(p)
	}
	commit, err := a.commitOnto(ctx, parentSHA, baseTree, tree, message)
	if errors.Is(err, errNothingToCommit) {
		return &cmserrors.APIError{Message: "file not found", Status: http.StatusNotFound, Backend: a.client.Backend()}
	}
	if err != nil {
		return err
	}
	if _, err := a.PatchBranch(ctx, branch, commit.SHA); err != nil {
		return fmt.Errorf("updating branch %s: %w", branch, err)
	}
	return nil
}
