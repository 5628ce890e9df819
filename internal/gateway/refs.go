package gateway

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"

	cmserrors "gitcms/internal/errors"
)

type refResponse struct {
	Ref    string `json:"ref"`
	Object struct {
		SHA  string `json:"sha"`
		Type string `json:"type"`
	} `json:"object"`
}

func toRefResponse(r *plumbing.Reference) refResponse {
	var out refResponse
	out.Ref = r.Name().String()
	out.Object.SHA = r.Hash().String()
	out.Object.Type = "commit"
	return out
}

func refName(c *gin.Context) plumbing.ReferenceName {
	return plumbing.ReferenceName("refs/" + strings.Trim(c.Param("ref"), "/"))
}

func (g *Gateway) reference(name plumbing.ReferenceName) (*plumbing.Reference, error) {
	r, err := g.repo.Storer.Reference(name)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, cmserrors.NotFound("Reference does not exist: " + name.String())
	}
	return r, err
}

func (g *Gateway) setRef(name plumbing.ReferenceName, hash plumbing.Hash) (*plumbing.Reference, error) {
	ref := plumbing.NewHashReference(name, hash)
	if err := g.repo.Storer.SetReference(ref); err != nil {
		return nil, err
	}
	g.logger.Info("ref updated", zap.String("ref", name.String()), zap.String("sha", hash.String()))
	return ref, nil
}

func (g *Gateway) getRef(c *gin.Context) {
	r, err := g.reference(refName(c))
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toRefResponse(r))
}

type createRefRequest struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

func (g *Gateway) createRef(c *gin.Context) {
	var req createRefRequest
	if !bind(c, &req) {
		return
	}
	if !strings.HasPrefix(req.Ref, "refs/") || strings.Count(req.Ref, "/") < 2 {
		abort(c, cmserrors.ValidationError("Reference name must start with 'refs/' and have at least two slashes", req.Ref))
		return
	}
	hash, err := g.commitHash(req.SHA)
	if err != nil {
		g.fail(c, err)
		return
	}

	g.refMu.Lock()
	defer g.refMu.Unlock()

	name := plumbing.ReferenceName(req.Ref)
	if _, err := g.repo.Storer.Reference(name); err == nil {
		abort(c, cmserrors.ValidationError("Reference already exists", req.Ref))
		return
	}
	ref, err := g.setRef(name, hash)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toRefResponse(ref))
}

type patchRefRequest struct {
	SHA string `json:"sha"`
}

func (g *Gateway) patchRef(c *gin.Context) {
	var req patchRefRequest
	if !bind(c, &req) {
		return
	}
	hash, err := g.commitHash(req.SHA)
	if err != nil {
		g.fail(c, err)
		return
	}

	g.refMu.Lock()
	defer g.refMu.Unlock()

	name := refName(c)
	if _, err := g.reference(name); err != nil {
		g.fail(c, err)
		return
	}
	ref, err := g.setRef(name, hash)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toRefResponse(ref))
}

func (g *Gateway) deleteRef(c *gin.Context) {
	g.refMu.Lock()
	defer g.refMu.Unlock()

	name := refName(c)
	if _, err := g.reference(name); err != nil {
		g.fail(c, err)
		return
	}
	if err := g.repo.Storer.RemoveReference(name); err != nil {
		g.fail(c, err)
		return
	}
	g.logger.Info("ref deleted", zap.String("ref", name.String()))
	c.Status(http.StatusNoContent)
}

// commitHash parses s and checks that it names a commit.
func (g *Gateway) commitHash(s string) (plumbing.Hash, error) {
	hash, err := parseHash(s)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := g.commit(hash); err != nil {
		return plumbing.ZeroHash, cmserrors.ValidationError("Object does not exist", s)
	}
	return hash, nil
}
