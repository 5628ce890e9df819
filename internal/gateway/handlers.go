package gateway

import (
	"encoding/base64"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	cmserrors "gitcms/internal/errors"
	"gitcms/internal/gittree"
)

type fileInfo struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"`
	SHA  string `json:"sha"`
	Size int64  `json:"size"`
}

// getFiles returns the raw content of a file or the listing of a
// directory at ref (a branch name, a full ref or a commit sha).
func (g *Gateway) getFiles(c *gin.Context) {
	p := strings.Trim(c.Param("path"), "/")
	ref := c.Query("ref")
	if ref == "" {
		abort(c, cmserrors.ValidationError("ref is required", nil))
		return
	}

	commitHash, err := g.resolveCommitish(ref)
	if err != nil {
		g.fail(c, err)
		return
	}
	commit, err := g.commit(commitHash)
	if err != nil {
		g.fail(c, err)
		return
	}
	root, err := commit.Tree()
	if err != nil {
		g.fail(c, err)
		return
	}

	dir := root
	if p != "" {
		entry, err := root.FindEntry(p)
		if err != nil {
			abort(c, cmserrors.NotFound("No such file or directory: "+p))
			return
		}
		if entry.Mode != filemode.Dir {
			content, err := g.readBlob(entry.Hash)
			if err != nil {
				g.fail(c, err)
				return
			}
			c.Header("X-Git-Sha", entry.Hash.String())
			c.Data(http.StatusOK, "application/octet-stream", content)
			return
		}
		if dir, err = root.Tree(p); err != nil {
			g.fail(c, err)
			return
		}
	}

	files := make([]fileInfo, 0, len(dir.Entries))
	for _, e := range dir.Entries {
		info := fileInfo{Name: e.Name, Path: path.Join(p, e.Name), SHA: e.Hash.String(), Type: "file"}
		if e.Mode == filemode.Dir {
			info.Type = "dir"
		} else if size, err := g.repo.Storer.EncodedObjectSize(e.Hash); err == nil {
			info.Size = size
		}
		files = append(files, info)
	}
	c.JSON(http.StatusOK, files)
}

func (g *Gateway) resolveCommitish(ref string) (plumbing.Hash, error) {
	if plumbing.IsHash(ref) {
		return plumbing.NewHash(ref), nil
	}
	name := plumbing.ReferenceName(ref)
	if !strings.HasPrefix(ref, "refs/") {
		name = plumbing.NewBranchReferenceName(ref)
	}
	r, err := g.repo.Storer.Reference(name)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return plumbing.ZeroHash, cmserrors.NotFound("No commit found for the ref " + ref)
		}
		return plumbing.ZeroHash, err
	}
	return r.Hash(), nil
}

type createBlobRequest struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

func (g *Gateway) createBlob(c *gin.Context) {
	var req createBlobRequest
	if !bind(c, &req) {
		return
	}

	var content []byte
	switch req.Encoding {
	case "base64":
		decoded, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			abort(c, cmserrors.ValidationError("content is not valid base64", err.Error()))
			return
		}
		content = decoded
	case "", "utf-8":
		content = []byte(req.Content)
	default:
		abort(c, cmserrors.ValidationError("unsupported encoding "+req.Encoding, nil))
		return
	}

	hash, err := g.writeBlob(content)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sha": hash.String()})
}

func (g *Gateway) getBlob(c *gin.Context) {
	hash, err := parseHash(c.Param("sha"))
	if err != nil {
		abort(c, err)
		return
	}
	content, err := g.readBlob(hash)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sha":      hash.String(),
		"size":     len(content),
		"encoding": "base64",
		"content":  base64.StdEncoding.EncodeToString(content),
	})
}

func (g *Gateway) getTree(c *gin.Context) {
	hash, err := parseHash(c.Param("sha"))
	if err != nil {
		abort(c, err)
		return
	}
	tree, err := g.resolveTree(hash)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sha": tree.Hash.String(), "tree": toEntries(tree)})
}

type createTreeRequest struct {
	BaseTree string          `json:"base_tree"`
	Tree     []gittree.Entry `json:"tree"`
}

func (g *Gateway) createTreeHandler(c *gin.Context) {
	var req createTreeRequest
	if !bind(c, &req) {
		return
	}

	hash, err := g.createTree(req.BaseTree, req.Tree)
	if err != nil {
		g.fail(c, err)
		return
	}
	tree, err := g.resolveTree(hash)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sha": hash.String(), "tree": toEntries(tree)})
}

type sha struct {
	SHA string `json:"sha"`
}

type commitResponse struct {
	SHA     string         `json:"sha"`
	Message string         `json:"message"`
	Tree    sha            `json:"tree"`
	Parents []sha          `json:"parents"`
	Author  map[string]any `json:"author"`
}

func toCommitResponse(c *object.Commit) commitResponse {
	parents := make([]sha, 0, len(c.ParentHashes))
	for _, p := range c.ParentHashes {
		parents = append(parents, sha{SHA: p.String()})
	}
	return commitResponse{
		SHA:     c.Hash.String(),
		Message: c.Message,
		Tree:    sha{SHA: c.TreeHash.String()},
		Parents: parents,
		Author: map[string]any{
			"name":  c.Author.Name,
			"email": c.Author.Email,
			"date":  c.Author.When.UTC(),
		},
	}
}

func (g *Gateway) getCommit(c *gin.Context) {
	hash, err := parseHash(c.Param("sha"))
	if err != nil {
		abort(c, err)
		return
	}
	commit, err := g.commit(hash)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toCommitResponse(commit))
}

type createCommitRequest struct {
	Message string   `json:"message"`
	Tree    string   `json:"tree"`
	Parents []string `json:"parents"`
}

func (g *Gateway) createCommit(c *gin.Context) {
	var req createCommitRequest
	if !bind(c, &req) {
		return
	}

	treeHash, err := parseHash(req.Tree)
	if err != nil {
		abort(c, err)
		return
	}
	if _, err := g.repo.Storer.EncodedObject(plumbing.TreeObject, treeHash); err != nil {
		abort(c, cmserrors.ValidationError("Tree SHA does not exist", req.Tree))
		return
	}

	parents := make([]plumbing.Hash, 0, len(req.Parents))
	for _, p := range req.Parents {
		hash, err := parseHash(p)
		if err != nil {
			abort(c, err)
			return
		}
		if _, err := g.commit(hash); err != nil {
			abort(c, cmserrors.ValidationError("Parent SHA does not exist or is not a commit object", p))
			return
		}
		parents = append(parents, hash)
	}

	hash, err := g.writeCommit(req.Message, treeHash, parents)
	if err != nil {
		g.fail(c, err)
		return
	}
	commit, err := g.commit(hash)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toCommitResponse(commit))
}
