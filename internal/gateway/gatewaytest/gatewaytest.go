// Package gatewaytest runs an in-memory gateway for tests of the clients
// that talk to it.
package gatewaytest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/require"

	"gitcms/internal/gateway"
)

type Server struct {
	*httptest.Server
	Gateway *gateway.Gateway
	Repo    *git.Repository

	mu     sync.Mutex
	counts map[string]int
}

// NewServer starts a gateway backed by memory storage. tokens are the
// accepted bearer tokens.
func NewServer(t testing.TB, tokens ...string) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	require.NoError(t, err)

	repo, err := gateway.OpenRepository("")
	require.NoError(t, err)

	gw, err := gateway.New(repo, db, gateway.Options{AuthorName: "tester", AuthorEmail: "tester@example.com"})
	require.NoError(t, err)

	s := &Server{Gateway: gw, Repo: repo, counts: map[string]int{}}
	handler := gw.Handler(tokens)
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.record(r)
		handler.ServeHTTP(w, r)
	}))

	t.Cleanup(func() {
		s.Close()
		_ = gw.Close()
		_ = db.Close()
	})
	return s
}

// record counts requests by method and first path segment, for example
// "POST /blobs" or "PATCH /refs".
func (s *Server) record(r *http.Request) {
	segment := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)[0]
	s.mu.Lock()
	s.counts[r.Method+" /"+segment]++
	s.mu.Unlock()
}

func (s *Server) Count(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[key]
}

func (s *Server) ResetCounts() {
	s.mu.Lock()
	s.counts = map[string]int{}
	s.mu.Unlock()
}
