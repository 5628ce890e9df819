package bitbucket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitcms/internal/asset"
	"gitcms/internal/backend"
	"gitcms/internal/config"
	cmserrors "gitcms/internal/errors"
	"gitcms/shared/utils"
)

type upload struct {
	fields map[string]string
	files  map[string]string
}

type fakeBitbucket struct {
	*httptest.Server

	mu      sync.Mutex
	uploads []upload
	auth    []string
}

func newFakeBitbucket(t *testing.T) *fakeBitbucket {
	t.Helper()
	f := &fakeBitbucket{}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeBitbucket) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	f.mu.Unlock()

	const src = "/repositories/team/site/src"
	switch {
	case r.URL.Path == "/user":
		writeJSON(w, http.StatusOK, map[string]string{"username": "alice", "display_name": "Alice"})

	case r.URL.Path == "/repositories/alice":
		if r.URL.Query().Get("role") != "contributor" || r.URL.Query().Get("q") != `full_name="team/site"` {
			writeJSON(w, http.StatusOK, map[string]any{"values": []any{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"values": []map[string]string{{"full_name": "team/site"}}})

	case r.URL.Path == src+"/master/content/posts":
		if r.URL.Query().Get("page") == "2" {
			writeJSON(w, http.StatusOK, map[string]any{"values": []map[string]string{
				{"path": "content/posts/b.md", "type": "commit_file"},
				{"path": "content/posts/c.json", "type": "commit_file"},
			}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"values": []map[string]string{
				{"path": "content/posts/a.md", "type": "commit_file"},
				{"path": "content/posts/images", "type": "commit_directory"},
			},
			"next": f.URL + src + "/master/content/posts?page=2",
		})

	case strings.HasPrefix(r.URL.Path, src+"/master/"):
		p := strings.TrimPrefix(r.URL.Path, src+"/master/")
		if p == "missing.md" {
			writeJSON(w, http.StatusNotFound, map[string]any{"type": "error", "error": map[string]string{"message": "No such file or directory: missing.md"}})
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "body of "+p)

	case r.URL.Path == src && r.Method == http.MethodPost:
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		u := upload{fields: map[string]string{}, files: map[string]string{}}
		for k, v := range r.MultipartForm.Value {
			u.fields[k] = v[0]
		}
		for k, headers := range r.MultipartForm.File {
			file, err := headers[0].Open()
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			data, _ := io.ReadAll(file)
			file.Close()
			u.files[k] = string(data)
		}
		f.mu.Lock()
		f.uploads = append(f.uploads, u)
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)

	case r.URL.Path == "/repositories/team/site/refs/branches/master":
		writeJSON(w, http.StatusOK, map[string]any{"name": "master", "target": map[string]string{"hash": "abc123"}})

	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]string{"message": "not found"}})
	}
}

func (f *fakeBitbucket) Uploads() []upload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upload(nil), f.uploads...)
}

func authenticated(t *testing.T, f *fakeBitbucket) *Backend {
	t.Helper()
	b, err := New(config.Backend{Repo: "team/site", APIRoot: f.URL})
	require.NoError(t, err)
	_, err = b.Authenticate(context.Background(), backend.Credentials{Token: "tok"})
	require.NoError(t, err)
	return b
}

func TestNew(t *testing.T) {
	_, err := New(config.Backend{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, cmserrors.ErrConfig))
	assert.Contains(t, err.Error(), `needs a "repo"`)

	b, err := New(config.Backend{Repo: "team/site"})
	require.NoError(t, err)
	assert.Equal(t, DefaultAPIRoot, b.cfg.APIRoot)
	assert.Equal(t, "master", b.cfg.Branch)
	assert.False(t, b.SupportsWorkflow())
}

func TestAuthenticate(t *testing.T) {
	f := newFakeBitbucket(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("default expiry", func(t *testing.T) {
		b, err := New(config.Backend{Repo: "team/site", APIRoot: f.URL}, WithClock(func() time.Time { return now }))
		require.NoError(t, err)

		user, err := b.Authenticate(context.Background(), backend.Credentials{Token: "tok"})
		require.NoError(t, err)
		assert.Equal(t, "alice", user.Login)
		assert.Equal(t, "Alice", user.Name)
		assert.Equal(t, "tok", user.Token)
		assert.Equal(t, now.Add(time.Hour), user.ExpiresAt)
	})

	t.Run("explicit expiry", func(t *testing.T) {
		b, err := New(config.Backend{Repo: "team/site", APIRoot: f.URL}, WithClock(func() time.Time { return now }))
		require.NoError(t, err)

		expires := now.Add(2 * time.Hour)
		user, err := b.Authenticate(context.Background(), backend.Credentials{Token: "tok", ExpiresAt: expires})
		require.NoError(t, err)
		assert.Equal(t, expires, user.ExpiresAt)
	})

	t.Run("no write access", func(t *testing.T) {
		b, err := New(config.Backend{Repo: "team/other", APIRoot: f.URL})
		require.NoError(t, err)

		_, err = b.Authenticate(context.Background(), backend.Credentials{Token: "tok"})
		require.Error(t, err)
		assert.True(t, cmserrors.IsAuthError(err))
		assert.Contains(t, err.Error(), "does not have access to this repo")
	})

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.auth {
		assert.Equal(t, "Bearer tok", h)
	}
}

func TestEntriesByFolder(t *testing.T) {
	f := newFakeBitbucket(t)
	b := authenticated(t, f)

	entries, err := b.EntriesByFolder(context.Background(), config.Collection{Name: "posts", Folder: "content/posts"}, "md")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "content/posts/a.md", entries[0].File.Path)
	assert.Equal(t, "body of content/posts/a.md", entries[0].Data)
	assert.Equal(t, "content/posts/b.md", entries[1].File.Path)
}

func TestListFilesNotADirectory(t *testing.T) {
	f := newFakeBitbucket(t)
	b := authenticated(t, f)

	_, err := b.EntriesByFolder(context.Background(), config.Collection{Folder: "content/posts/a.md"}, "md")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is not a directory")
}

func TestGetEntry(t *testing.T) {
	f := newFakeBitbucket(t)
	b := authenticated(t, f)

	entry, err := b.GetEntry(context.Background(), config.Collection{}, "a", "content/posts/a.md")
	require.NoError(t, err)
	assert.Equal(t, "body of content/posts/a.md", entry.Data)

	_, err = b.GetEntry(context.Background(), config.Collection{}, "missing", "missing.md")
	require.Error(t, err)
	assert.True(t, cmserrors.IsNotFound(err))
	assert.Contains(t, err.Error(), "No such file or directory")
}

func TestPersistEntry(t *testing.T) {
	f := newFakeBitbucket(t)
	b := authenticated(t, f)

	done := asset.MarkUploadedAs(asset.NewEntryFile("static/old.png", []byte("old")), "sha")

	for _, mode := range []string{backend.ModeSimple, backend.ModeEditorialWorkflow} {
		t.Run(mode, func(t *testing.T) {
			entry := asset.NewEntryFile("content/posts/new.md", []byte("new post"))
			media := asset.NewEntryFile("static/img.png", []byte("png"))
			before := len(f.Uploads())

			err := b.PersistEntry(context.Background(), entry, []*asset.File{media, done}, backend.PersistOptions{
				CommitMessage: "Create posts “new”",
				Mode:          mode,
			})
			require.NoError(t, err)

			uploads := f.Uploads()
			require.Len(t, uploads, before+1, "one request per persist")
			u := uploads[len(uploads)-1]
			assert.Equal(t, "Create posts “new”", u.fields["message"])
			assert.Equal(t, "master", u.fields["branch"])
			assert.Equal(t, map[string]string{
				"content/posts/new.md": "new post",
				"static/img.png":       "png",
			}, u.files)

			assert.True(t, entry.Uploaded())
			assert.Equal(t, utils.HashContent([]byte("new post")), entry.SHA())
			assert.True(t, media.Uploaded())
		})
	}
}

func TestDeleteFile(t *testing.T) {
	f := newFakeBitbucket(t)
	b := authenticated(t, f)

	require.NoError(t, b.DeleteFile(context.Background(), "content/posts/a.md", "Delete posts “a”", backend.DeleteOptions{}))

	uploads := f.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, map[string]string{
		"files":   "content/posts/a.md",
		"message": "Delete posts “a”",
		"branch":  "master",
	}, uploads[0].fields)
	assert.Empty(t, uploads[0].files)
}

func TestNotAuthenticated(t *testing.T) {
	b, err := New(config.Backend{Repo: "team/site"})
	require.NoError(t, err)

	_, err = b.GetToken(context.Background())
	assert.Error(t, err)
	_, err = b.EntriesByFiles(context.Background(), config.Collection{})
	assert.Error(t, err)
}
