package cms

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitcms/internal/asset"
	"gitcms/internal/backend"
	"gitcms/internal/backend/bitbucket"
	"gitcms/internal/backend/github"
	"gitcms/internal/config"
	cmserrors "gitcms/internal/errors"
	"gitcms/internal/entry"
	"gitcms/internal/format"
	"gitcms/internal/gateway/gatewaytest"
)

type recorder struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *recorder) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	r.sent = append(r.sent, n)
	r.mu.Unlock()
}

func (r *recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

func testConfig(apiRoot string) *config.Config {
	return &config.Config{
		Backend:     config.Backend{Name: "netlify-git", APIRoot: apiRoot, Branch: "master", Token: "secret"},
		PublishMode: config.PublishModeSimple,
		Collections: []config.Collection{
			{
				Name:   "posts",
				Folder: "content/posts",
				Fields: []config.Field{{Name: "title"}, {Name: "draft", Default: false}},
			},
			{
				Name: "settings",
				Files: []config.CollectionFile{
					{Name: "general", Label: "General", File: "data/general.json"},
				},
			},
		},
	}
}

func TestNewBackend(t *testing.T) {
	tests := []struct {
		name    string
		backend config.Backend
		want    any
		wantErr bool
	}{
		{"github", config.Backend{Name: "github", APIRoot: "http://localhost"}, &github.Backend{}, false},
		{"netlify-git alias", config.Backend{Name: "netlify-git", APIRoot: "http://localhost"}, &github.Backend{}, false},
		{"bitbucket", config.Backend{Name: "bitbucket", Repo: "team/site"}, &bitbucket.Backend{}, false},
		{"bitbucket without repo", config.Backend{Name: "bitbucket"}, nil, true},
		{"unknown", config.Backend{Name: "gitlab"}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewBackend(&config.Config{Backend: tt.backend}, Deps{})
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, cmserrors.ErrConfig))
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, b)
		})
	}
}

func TestEntryPath(t *testing.T) {
	cfg := testConfig("")
	posts, _ := cfg.Collection("posts")
	settings, _ := cfg.Collection("settings")

	p, err := EntryPath(posts, "hello")
	require.NoError(t, err)
	assert.Equal(t, "content/posts/hello.md", p)

	p, err = EntryPath(settings, "general")
	require.NoError(t, err)
	assert.Equal(t, "data/general.json", p)

	_, err = EntryPath(settings, "missing")
	assert.Error(t, err)
	_, err = EntryPath(posts, "")
	assert.Error(t, err)
}

func setupService(t *testing.T) (*Service, *recorder, *gatewaytest.Server) {
	t.Helper()
	srv := gatewaytest.NewServer(t, "secret")
	notes := &recorder{}

	svc, err := New(testConfig(srv.URL), Deps{Notifier: notes})
	require.NoError(t, err)
	_, err = svc.Authenticate(context.Background())
	require.NoError(t, err)
	return svc, notes, srv
}

func TestEntryLifecycle(t *testing.T) {
	svc, notes, _ := setupService(t)
	ctx := context.Background()

	entries, err := svc.ListEntries(ctx, "posts")
	require.NoError(t, err)
	assert.Empty(t, entries, "a missing folder holds no entries")

	cfg := testConfig("")
	posts, _ := cfg.Collection("posts")
	draft := entry.NewDraft(posts)
	draft.Entry.Slug = "hello"
	draft.SetField("title", "Hello world")

	media := asset.NewProxy("cover.png", "static/img", "/img", []byte("png"), false)
	require.NoError(t, svc.PersistEntry(ctx, "posts", draft, []*asset.File{media}))

	assert.Equal(t, []Notification{{Message: MessageEntrySaved, Kind: KindSuccess}}, notes.Sent())
	assert.Equal(t, "content/posts/hello.md", draft.Entry.Path)
	assert.False(t, draft.Entry.NewRecord)
	assert.True(t, media.Uploaded())

	got, err := svc.GetEntry(ctx, "posts", "hello")
	require.NoError(t, err)
	assert.Equal(t, "Hello world", got.Data.GetString("title"))
	assert.Equal(t, []string{"title", "draft", format.BodyField}, got.Data.Keys())

	entries, err = svc.ListEntries(ctx, "posts")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "hello", entries[0].Slug)

	api, err := svc.Backend().(*github.Backend).API()
	require.NoError(t, err)
	head, err := api.GetBranch(ctx, "")
	require.NoError(t, err)
	commit, err := api.GetCommit(ctx, head.Object.SHA)
	require.NoError(t, err)
	assert.Equal(t, "Create posts “hello”", commit.Message)

	t.Run("update", func(t *testing.T) {
		edit := entry.FromEntry(got)
		edit.SetField("title", "Changed")
		require.NoError(t, svc.PersistEntry(ctx, "posts", edit, nil))

		head, err := api.GetBranch(ctx, "")
		require.NoError(t, err)
		commit, err := api.GetCommit(ctx, head.Object.SHA)
		require.NoError(t, err)
		assert.Equal(t, "Update posts “hello”", commit.Message)
	})

	t.Run("files collection", func(t *testing.T) {
		settings, _ := cfg.Collection("settings")
		draft := entry.NewDraft(settings)
		draft.Entry.Slug = "general"
		draft.SetField("site", "example")
		require.NoError(t, svc.PersistEntry(ctx, "settings", draft, nil))

		list, err := svc.ListEntries(ctx, "settings")
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "general", list[0].Slug)
		assert.Equal(t, "General", list[0].Label)
		assert.Equal(t, "example", list[0].Data.GetString("site"))
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, svc.DeleteEntry(ctx, "posts", "hello"))
		_, err := svc.GetEntry(ctx, "posts", "hello")
		assert.True(t, cmserrors.IsNotFound(err))
	})
}

type failingBackend struct {
	backend.Backend
	calls int
}

func (f *failingBackend) PersistEntry(context.Context, *asset.File, []*asset.File, backend.PersistOptions) error {
	f.calls++
	return &cmserrors.APIError{Message: "boom", Status: 500, Backend: "GitHub"}
}

func (f *failingBackend) SupportsWorkflow() bool { return false }

func TestPersistFailureNotifiesOnce(t *testing.T) {
	notes := &recorder{}
	fb := &failingBackend{}
	cfg := testConfig("")
	svc := NewService(cfg, fb, Deps{Notifier: notes})

	posts, _ := cfg.Collection("posts")
	draft := entry.NewDraft(posts)
	draft.Entry.Slug = "x"

	err := svc.PersistEntry(context.Background(), "posts", draft, nil)
	require.Error(t, err)
	assert.Equal(t, 500, cmserrors.StatusOf(err))
	assert.Equal(t, 1, fb.calls)

	sent := notes.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, MessagePersistFails, sent[0].Message)
	assert.Equal(t, KindDanger, sent[0].Kind)
	assert.True(t, draft.Entry.NewRecord)

	_, ok := svc.Workflow()
	assert.False(t, ok)

	err = svc.PersistEntry(context.Background(), "pages", draft, nil)
	assert.True(t, errors.Is(err, ErrUnknownCollection))
	assert.Len(t, notes.Sent(), 2)
}
