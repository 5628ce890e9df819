// Package gateway serves the GitHub-style git-data API the netlify-git
// backend speaks, on top of a go-git object store.
package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/storage/memory"
	"go.uber.org/zap"

	cmserrors "gitcms/internal/errors"
	"gitcms/internal/gittree"
	"gitcms/internal/logging"
	"gitcms/internal/middleware"
	"gitcms/internal/storage"
)

const (
	pullsPrefix = "pulls"
	pullsSeqKey = "seq.pulls"
)

type Options struct {
	AuthorName  string
	AuthorEmail string
	Logger      *logging.Logger
	Now         func() time.Time
}

type Gateway struct {
	repo        *git.Repository
	pulls       *storage.BadgerStore
	seq         *badger.Sequence
	engine      *gittree.Engine
	authorName  string
	authorEmail string
	now         func() time.Time
	logger      *logging.Logger

	// refMu serializes every ref write and the reads they depend on.
	refMu sync.Mutex
}

// OpenRepository opens the bare repository at path, creating it when
// missing. An empty path keeps every object in memory.
func OpenRepository(path string) (*git.Repository, error) {
	if path == "" {
		return git.Init(memory.NewStorage(), nil)
	}
	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return git.PlainInit(path, true)
	}
	return repo, err
}

func New(repo *git.Repository, db *badger.DB, opts Options) (*Gateway, error) {
	if repo == nil || db == nil {
		return nil, fmt.Errorf("repository and database are required")
	}
	if opts.AuthorName == "" {
		opts.AuthorName = "gitcms"
	}
	if opts.AuthorEmail == "" {
		opts.AuthorEmail = "gitcms@localhost"
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	seq, err := db.GetSequence([]byte(pullsSeqKey), 10)
	if err != nil {
		return nil, fmt.Errorf("opening pull request sequence: %w", err)
	}

	g := &Gateway{
		repo:        repo,
		pulls:       storage.NewBadgerStore(db, pullsPrefix),
		seq:         seq,
		authorName:  opts.AuthorName,
		authorEmail: opts.AuthorEmail,
		now:         opts.Now,
		logger:      opts.Logger.Named("gateway"),
	}
	g.engine = gittree.NewEngine(treeStore{g: g})
	return g, nil
}

// Close returns unused pull request numbers to the database.
func (g *Gateway) Close() error {
	return g.seq.Release()
}

// Router registers every endpoint relative to the API root.
func (g *Gateway) Router() *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	r.GET("/user", g.getUser)

	r.GET("/files/*path", g.getFiles)
	r.POST("/blobs", g.createBlob)
	r.GET("/blobs/:sha", g.getBlob)
	r.GET("/trees/:sha", g.getTree)
	r.POST("/trees", g.createTreeHandler)
	r.GET("/commits/:sha", g.getCommit)
	r.POST("/commits", g.createCommit)

	r.POST("/refs", g.createRef)
	r.GET("/refs/*ref", g.getRef)
	r.PATCH("/refs/*ref", g.patchRef)
	r.DELETE("/refs/*ref", g.deleteRef)

	r.GET("/pulls", g.listPulls)
	r.POST("/pulls", g.createPull)
	r.GET("/pulls/:number", g.getPull)
	r.PATCH("/pulls/:number", g.updatePull)
	r.PUT("/pulls/:number/merge", g.mergePull)

	r.NoRoute(func(c *gin.Context) {
		abort(c, cmserrors.NotFound("Not Found"))
	})
	return r
}

// Handler wraps the router in the middleware chain. tokens lists the
// accepted bearer tokens; empty accepts every request.
func (g *Gateway) Handler(tokens []string) http.Handler {
	return middleware.Chain(
		g.Router(),
		middleware.BearerAuth(tokens),
		middleware.Logger(g.logger),
		middleware.Recover(g.logger),
		middleware.RequestID,
	)
}

func (g *Gateway) getUser(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"login": g.authorName, "name": g.authorName, "email": g.authorEmail})
}

// abort writes err as a JSON error document.
func abort(c *gin.Context, err error) {
	var e *cmserrors.Error
	if !errors.As(err, &e) {
		e = cmserrors.Internal(err)
	}
	c.AbortWithStatusJSON(e.Code, e)
}

func (g *Gateway) fail(c *gin.Context, err error) {
	var e *cmserrors.Error
	if !errors.As(err, &e) {
		g.logger.WithRequestID(c.Request.Context()).Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err),
		)
	}
	abort(c, err)
}

func bind(c *gin.Context, out any) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		abort(c, cmserrors.ValidationError("Problems parsing JSON", err.Error()))
		return false
	}
	return true
}
