package bitbucket

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
	Name = "bitbucket"

	backendTag = "Bitbucket"

	// TokenExpireTimeDefault applies when the credentials carry no expiry.
	TokenExpireTimeDefault = 3600 * time.Second
)

var errNotAuthenticated = errors.New("bitbucket: not authenticated")

type Backend struct {
	cfg        config.Backend
	cache      fetch.ContentCache
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

func WithCache(c fetch.ContentCache) Option {
	return func(b *Backend) { b.cache = c }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(b *Backend) { b.httpClient = hc }
}

func WithRefresher(r auth.Refresher) Option {
	return func(b *Backend) { b.refresher = r }
}

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
	if cfg.Repo == "" {
		return nil, fmt.Errorf("the Bitbucket backend needs a \"repo\" in the backend configuration: %w", cmserrors.ErrConfig)
	}
	if cfg.Branch == "" {
		cfg.Branch = config.DefaultBranch
	}
	if cfg.APIRoot == "" {
		cfg.APIRoot = DefaultAPIRoot
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

// Authenticate checks that the token's user can write to the repository.
func (b *Backend) Authenticate(ctx context.Context, creds backend.Credentials) (*backend.User, error) {
	tok := creds.AuthToken()
	if tok.ExpiresAt.IsZero() {
		tok.ExpiresAt = b.now().Add(TokenExpireTimeDefault)
	}

	sessionOpts := []auth.SessionOption{auth.WithClock(b.now)}
	if b.refresher != nil {
		sessionOpts = append(sessionOpts, auth.WithRefresher(b.refresher))
	}
	if b.onRefresh != nil {
		sessionOpts = append(sessionOpts, auth.OnRefresh(b.onRefresh))
	}
	session := auth.NewSession(tok, sessionOpts...)

	clientOpts := []client.Option{
		client.WithSession(session),
		client.WithClock(b.now),
		client.WithLogger(b.logger),
	}
	if b.httpClient != nil {
		clientOpts = append(clientOpts, client.WithHTTPClient(b.httpClient))
	}
	api := NewAPI(client.New(b.cfg.APIRoot, backendTag, clientOpts...), b.cfg.APIRoot, b.cfg.Repo, b.cfg.Branch, b.logger)

	user, err := api.User(ctx)
	if err != nil {
		return nil, fmt.Errorf("authenticating: %w", err)
	}
	ok, err := api.HasWriteAccess(ctx, user.Username)
	if err != nil {
		return nil, fmt.Errorf("checking repository access: %w", err)
	}
	if !ok {
		return nil, &cmserrors.AuthError{Message: "Your Bitbucket user account does not have access to this repo."}
	}

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

	b.logger.Info("authenticated", zap.String("login", user.Username), zap.String("repo", b.cfg.Repo))

	current := session.Token()
	return &backend.User{
		Login:     user.Username,
		Name:      user.DisplayName,
		Token:     current.AccessToken,
		ExpiresAt: current.ExpiresAt,
	}, nil
}

func (b *Backend) state() (*auth.Session, *API, *fetch.Fetcher, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.api == nil {
		return nil, nil, nil, errNotAuthenticated
	}
	return b.session, b.api, b.fetcher, nil
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
		return nil, err
	}

	var files []backend.FileRef
	for _, f := range listed {
		if backend.FileExtension(f.Path) == extension {
			files = append(files, backend.FileRef{Path: f.Path})
		}
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

// PersistEntry commits the entry and its pending media. Bitbucket has no
// editorial workflow; such requests are committed directly.
func (b *Backend) PersistEntry(ctx context.Context, entry *asset.File, mediaFiles []*asset.File, opts backend.PersistOptions) error {
	_, api, _, err := b.state()
	if err != nil {
		return err
	}
	if opts.Mode == backend.ModeEditorialWorkflow {
		b.logger.Warn("Editorial workflow is not supported yet with Bitbucket API.",
			zap.Error(cmserrors.ErrUnsupportedOperation),
			zap.String("collection", opts.Collection),
			zap.String("slug", opts.Slug),
		)
	}
	_, err = api.PersistFiles(ctx, entry, mediaFiles, opts.CommitMessage)
	return err
}

func (b *Backend) DeleteFile(ctx context.Context, path, message string, opts backend.DeleteOptions) error {
	_, api, _, err := b.state()
	if err != nil {
		return err
	}
	return api.DeleteFile(ctx, path, message, opts.Branch)
}

func (b *Backend) SupportsWorkflow() bool {
	return false
}

var _ backend.Backend = (*Backend)(nil)
