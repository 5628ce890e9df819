package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"gitcms/client"
	"gitcms/internal/asset"
	"gitcms/internal/auth"
	"gitcms/internal/backend"
	"gitcms/internal/config"
	cmserrors "gitcms/internal/errors"
	"gitcms/internal/fetch"
	"gitcms/internal/logging"
)

const (
	Name      = "github"
	AliasName = "netlify-git"

	backendTag = "GitHub"
)

var errNotAuthenticated = errors.New("github: not authenticated")

// Cache is the read cache shared by the fetcher and the metadata store.
type Cache interface {
	fetch.ContentCache
	MetaCache
}

// Backend is the GitHub-style implementation of backend.Backend. It also
// implements backend.MetadataStore and backend.Workflow.
type Backend struct {
	cfg        config.Backend
	cache      Cache
	httpClient *http.Client
	refresher  auth.Refresher
	onRefresh  func(auth.Token)
	now        func() time.Time
	logger     *logging.Logger

	mu      sync.RWMutex
	session *auth.Session
	api     *API
	fetcher *fetch.Fetcher
}

type Option func(*Backend)

func WithCache(c Cache) Option {
	return func(b *Backend) { b.cache = c }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(b *Backend) { b.httpClient = hc }
}

func WithRefresher(r auth.Refresher) Option {
	return func(b *Backend) { b.refresher = r }
}

// OnRefresh receives every refreshed token.
func OnRefresh(fn func(auth.Token)) Option {
	return func(b *Backend) { b.onRefresh = fn }
}

func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

func WithLogger(l *logging.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

func New(cfg config.Backend, opts ...Option) (*Backend, error) {
	if cfg.APIRoot == "" {
		return nil, fmt.Errorf("the %s backend needs an \"api_root\" in the backend configuration: %w", Name, cmserrors.ErrConfig)
	}
	if cfg.Branch == "" {
		cfg.Branch = config.DefaultBranch
	}

	b := &Backend{
		cfg:    cfg,
		now:    time.Now,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.Named(Name)
	return b, nil
}

// Authenticate installs the credentials and checks them against the API.
func (b *Backend) Authenticate(ctx context.Context, creds backend.Credentials) (*backend.User, error) {
	sessionOpts := []auth.SessionOption{auth.WithClock(b.now)}
	if b.refresher != nil {
		sessionOpts = append(sessionOpts, auth.WithRefresher(b.refresher))
	}
	if b.onRefresh != nil {
		sessionOpts = append(sessionOpts, auth.OnRefresh(b.onRefresh))
	}
	session := auth.NewSession(creds.AuthToken(), sessionOpts...)

	clientOpts := []client.Option{
		client.WithSession(session),
		client.WithClock(b.now),
		client.WithLogger(b.logger),
	}
	if b.httpClient != nil {
		clientOpts = append(clientOpts, client.WithHTTPClient(b.httpClient))
	}
	c := client.New(b.cfg.APIRoot, backendTag, clientOpts...)

	apiOpts := []APIOption{WithAPILogger(b.logger), WithAPIClock(b.now)}
	if b.cache != nil {
		apiOpts = append(apiOpts, WithMetaCache(b.cache))
	}
	api := NewAPI(c, b.cfg.Branch, apiOpts...)

	user, err := api.User(ctx)
	if err != nil {
		return nil, fmt.Errorf("authenticating: %w", err)
	}
	api.SetUser(user.Login)

	fetchOpts := []fetch.Option{fetch.WithLogger(b.logger)}
	if b.cache != nil {
		fetchOpts = append(fetchOpts, fetch.WithCache(b.cache))
	}
	fetcher := fetch.New(func(ctx context.Context, file backend.FileRef) (string, error) {
		return api.ReadFile(ctx, file.Path, "")
	}, fetchOpts...)

	b.mu.Lock()
	b.session, b.api, b.fetcher = session, api, fetcher
	b.mu.Unlock()

	b.logger.Info("authenticated", zap.String("login", user.Login))

	tok := session.Token()
	return &backend.User{Login: user.Login, Name: user.Name, Token: tok.AccessToken, ExpiresAt: tok.ExpiresAt}, nil
}

func (b *Backend) state() (*auth.Session, *API, *fetch.Fetcher, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.api == nil {
		return nil, nil, nil, errNotAuthenticated
	}
	return b.session, b.api, b.fetcher, nil
}

// API exposes the underlying git-data client.
func (b *Backend) API() (*API, error) {
	_, api, _, err := b.state()
	return api, err
}

func (b *Backend) GetToken(ctx context.Context) (string, error) {
	session, _, _, err := b.state()
	if err != nil {
		return "", err
	}
	return session.EnsureValid(ctx)
}

func (b *Backend) EntriesByFolder(ctx context.Context, collection config.Collection, extension string) ([]backend.EntryFile, error) {
	_, api, fetcher, err := b.state()
	if err != nil {
		return nil, err
	}

	listed, err := api.ListFiles(ctx, collection.Folder)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", collection.Folder, err)
	}

	var files []backend.FileRef
	for _, f := range listed {
		if f.Type != "file" || backend.FileExtension(f.Path) != extension {
			continue
		}
		files = append(files, backend.FileRef{Path: f.Path, SHA: f.SHA})
	}
	return fetcher.FetchFiles(ctx, files)
}

func (b *Backend) EntriesByFiles(ctx context.Context, collection config.Collection) ([]backend.EntryFile, error) {
	_, _, fetcher, err := b.state()
	if err != nil {
		return nil, err
	}
	return fetcher.FetchFiles(ctx, backend.CollectionFiles(collection))
}

func (b *Backend) GetEntry(ctx context.Context, collection config.Collection, slug, path string) (*backend.EntryFile, error) {
	_, api, _, err := b.state()
	if err != nil {
		return nil, err
	}
	data, err := api.ReadFile(ctx, path, "")
	if err != nil {
		return nil, err
	}
	return &backend.EntryFile{File: backend.FileRef{Path: path}, Data: data}, nil
}

func (b *Backend) PersistEntry(ctx context.Context, entry *asset.File, mediaFiles []*asset.File, opts backend.PersistOptions) error {
	_, api, _, err := b.state()
	if err != nil {
		return err
	}
	return api.PersistFiles(ctx, entry, mediaFiles, opts)
}

func (b *Backend) DeleteFile(ctx context.Context, path, message string, opts backend.DeleteOptions) error {
	_, api, _, err := b.state()
	if err != nil {
		return err
	}
	return api.DeleteFiles(ctx, opts.Branch, message, path)
}

func (b *Backend) SupportsWorkflow() bool {
	return true
}

func (b *Backend) StoreMetadata(ctx context.Context, key string, data any) error {
	_, api, _, err := b.state()
	if err != nil {
		return err
	}
	return api.StoreMetadata(ctx, key, data)
}

func (b *Backend) RetrieveMetadata(ctx context.Context, key string, out any) error {
	_, api, _, err := b.state()
	if err != nil {
		return err
	}
	return api.RetrieveMetadata(ctx, key, out)
}

func (b *Backend) DeleteMetadata(ctx context.Context, key string) error {
	_, api, _, err := b.state()
	if err != nil {
		return err
	}
	return api.DeleteMetadata(ctx, key)
}

func (b *Backend) UnpublishedEntry(ctx context.Context, collection, slug string) (*backend.UnpublishedEntry, error) {
	_, api, _, err := b.state()
	if err != nil {
		return nil, err
	}
	return api.UnpublishedEntry(ctx, collection, slug)
}

func (b *Backend) UpdateUnpublishedEntryStatus(ctx context.Context, collection, slug, status string) error {
	_, api, _, err := b.state()
	if err != nil {
		return err
	}
	return api.UpdateUnpublishedEntryStatus(ctx, collection, slug, status)
}

func (b *Backend) PublishUnpublishedEntry(ctx context.Context, collection, slug string) error {
	_, api, _, err := b.state()
	if err != nil {
		return err
	}
	return api.PublishUnpublishedEntry(ctx, collection, slug)
}

func (b *Backend) DeleteUnpublishedEntry(ctx context.Context, collection, slug string) error {
	_, api, _, err := b.state()
	if err != nil {
		return err
	}
	return api.DeleteUnpublishedEntry(ctx, collection, slug)
}

var (
	_ backend.Backend       = (*Backend)(nil)
	_ backend.MetadataStore = (*Backend)(nil)
	_ backend.Workflow      = (*Backend)(nil)
)
