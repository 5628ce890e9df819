package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
	"go.uber.org/zap"

	cmserrors "gitcms/internal/errors"
	"gitcms/internal/gittree"
	"gitcms/internal/storage"
)

const (
	stateOpen   = "open"
	stateClosed = "closed"
)

type prBranch struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

type PullRequest struct {
	Number         int       `json:"number"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	State          string    `json:"state"`
	Head           prBranch  `json:"head"`
	Base           prBranch  `json:"base"`
	Merged         bool      `json:"merged"`
	MergeCommitSHA string    `json:"merge_commit_sha,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (p *PullRequest) GetID() string {
	return strconv.Itoa(p.Number)
}

func (g *Gateway) loadPull(c *gin.Context) (*PullRequest, bool) {
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil || number <= 0 {
		abort(c, cmserrors.NotFound("Not Found"))
		return nil, false
	}
	var pr PullRequest
	if err := g.pulls.Get(strconv.Itoa(number), &pr); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			abort(c, cmserrors.NotFound(fmt.Sprintf("Pull request %d not found", number)))
			return nil, false
		}
		g.fail(c, err)
		return nil, false
	}
	return &pr, true
}

func (g *Gateway) listPulls(c *gin.Context) {
	var pulls []PullRequest
	if err := g.pulls.List(&pulls); err != nil {
		g.fail(c, err)
		return
	}

	state := c.DefaultQuery("state", stateOpen)
	out := make([]PullRequest, 0, len(pulls))
	for _, pr := range pulls {
		if state == "all" || pr.State == state {
			out = append(out, pr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	c.JSON(http.StatusOK, out)
}

func (g *Gateway) getPull(c *gin.Context) {
	pr, ok := g.loadPull(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, pr)
}

type createPullRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Head  string `json:"head"`
	Base  string `json:"base"`
}

func (g *Gateway) createPull(c *gin.Context) {
	var req createPullRequest
	if !bind(c, &req) {
		return
	}
	if req.Title == "" || req.Head == "" || req.Base == "" {
		abort(c, cmserrors.ValidationError("title, head and base are required", nil))
		return
	}

	head, err := g.reference(plumbing.NewBranchReferenceName(req.Head))
	if err != nil {
		abort(c, cmserrors.ValidationError("Invalid head: "+req.Head, nil))
		return
	}
	base, err := g.reference(plumbing.NewBranchReferenceName(req.Base))
	if err != nil {
		abort(c, cmserrors.ValidationError("Invalid base: "+req.Base, nil))
		return
	}

	next, err := g.seq.Next()
	if err != nil {
		g.fail(c, err)
		return
	}

	now := g.now().UTC()
	pr := &PullRequest{
		Number:    int(next) + 1,
		Title:     req.Title,
		Body:      req.Body,
		State:     stateOpen,
		Head:      prBranch{Ref: req.Head, SHA: head.Hash().String()},
		Base:      prBranch{Ref: req.Base, SHA: base.Hash().String()},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := g.pulls.Create(pr); err != nil {
		g.fail(c, err)
		return
	}

	g.logger.Info("pull request opened", zap.Int("number", pr.Number), zap.String("head", pr.Head.Ref))
	c.JSON(http.StatusCreated, pr)
}

type updatePullRequest struct {
	Title *string `json:"title"`
	Body  *string `json:"body"`
	State *string `json:"state"`
}

func (g *Gateway) updatePull(c *gin.Context) {
	pr, ok := g.loadPull(c)
	if !ok {
		return
	}
	var req updatePullRequest
	if !bind(c, &req) {
		return
	}

	if req.Title != nil {
		pr.Title = *req.Title
	}
	if req.Body != nil {
		pr.Body = *req.Body
	}
	if req.State != nil {
		if *req.State != stateOpen && *req.State != stateClosed {
			abort(c, cmserrors.ValidationError("state must be open or closed", *req.State))
			return
		}
		if pr.Merged && *req.State == stateOpen {
			abort(c, cmserrors.ValidationError("a merged pull request cannot be reopened", nil))
			return
		}
		pr.State = *req.State
	}
	pr.UpdatedAt = g.now().UTC()

	if err := g.pulls.Update(pr); err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pr)
}

type mergePullRequest struct {
	CommitMessage string `json:"commit_message"`
	SHA           string `json:"sha"`
}

// mergePull fast-forwards the base branch when it has not moved and
// otherwise replays the pull request's changes onto it in a merge commit.
func (g *Gateway) mergePull(c *gin.Context) {
	pr, ok := g.loadPull(c)
	if !ok {
		return
	}
	var req mergePullRequest
	if c.Request.ContentLength != 0 && !bind(c, &req) {
		return
	}
	if pr.State != stateOpen {
		c.AbortWithStatusJSON(http.StatusMethodNotAllowed, &cmserrors.Error{
			Type:    cmserrors.ErrorTypeValidation,
			Message: "Pull Request is not mergeable",
			Code:    http.StatusMethodNotAllowed,
		})
		return
	}

	g.refMu.Lock()
	defer g.refMu.Unlock()

	headRef, err := g.reference(plumbing.NewBranchReferenceName(pr.Head.Ref))
	if err != nil {
		g.fail(c, err)
		return
	}
	baseName := plumbing.NewBranchReferenceName(pr.Base.Ref)
	baseRef, err := g.reference(baseName)
	if err != nil {
		g.fail(c, err)
		return
	}
	if req.SHA != "" && req.SHA != headRef.Hash().String() {
		abort(c, cmserrors.Conflict("Head branch was modified. Review and try the merge again."))
		return
	}

	message := req.CommitMessage
	if message == "" {
		message = fmt.Sprintf("Merge pull request #%d from %s", pr.Number, pr.Head.Ref)
	}

	merged, err := g.merge(c, pr, baseRef.Hash(), headRef.Hash(), message)
	if err != nil {
		g.fail(c, err)
		return
	}
	if _, err := g.setRef(baseName, merged); err != nil {
		g.fail(c, err)
		return
	}

	pr.State = stateClosed
	pr.Merged = true
	pr.MergeCommitSHA = merged.String()
	pr.UpdatedAt = g.now().UTC()
	if err := g.pulls.Update(pr); err != nil {
		g.fail(c, err)
		return
	}

	g.logger.Info("pull request merged", zap.Int("number", pr.Number), zap.String("sha", merged.String()))
	c.JSON(http.StatusOK, gin.H{"sha": merged.String(), "merged": true, "message": "Pull Request successfully merged"})
}

func (g *Gateway) merge(c *gin.Context, pr *PullRequest, base, head plumbing.Hash, message string) (plumbing.Hash, error) {
	baseCommit, err := g.commit(base)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	headCommit, err := g.commit(head)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	if base == head {
		return head, nil
	}
	ff, err := baseCommit.IsAncestor(headCommit)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("checking ancestry: %w", err)
	}
	if ff {
		return head, nil
	}

	// The base moved: apply what the pull request changed since it was
	// opened on top of the current base.
	forkHash, err := parseHash(pr.Base.SHA)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	forkCommit, err := g.commit(forkHash)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	forkTree, err := forkCommit.Tree()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	headTree, err := headCommit.Tree()
	if err != nil {
		return plumbing.ZeroHash, err
	}

	changes, err := object.DiffTree(forkTree, headTree)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("diffing pull request: %w", err)
	}

	desired := gittree.New()
	for _, change := range changes {
		action, err := change.Action()
		if err != nil {
			return plumbing.ZeroHash, err
		}
		if action == merkletrie.Delete {
			desired.Remove(change.From.Name)
			continue
		}
		desired.Add(change.To.Name, change.To.TreeEntry.Hash.String())
	}

	res, err := g.engine.UpdateTree(c.Request.Context(), baseCommit.TreeHash.String(), "/", desired)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return g.writeCommit(message, plumbing.NewHash(res.SHA), []plumbing.Hash{base, head})
}
