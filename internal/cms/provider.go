package cms

import (
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"gitcms/internal/auth"
	"gitcms/internal/backend"
	"gitcms/internal/backend/bitbucket"
	"gitcms/internal/backend/github"
	"gitcms/internal/config"
	cmserrors "gitcms/internal/errors"
	"gitcms/internal/logging"
)

// Deps are the collaborators shared by the service and its backend. Every
// field is optional.
type Deps struct {
	Cache      github.Cache
	HTTPClient *http.Client
	Refresher  auth.Refresher
	OnRefresh  func(auth.Token)
	Notifier   Notifier
	Logger     *logging.Logger
	Now        func() time.Time
}

// NewBackend builds the backend named by cfg.Backend.Name.
func NewBackend(cfg *config.Config, deps Deps) (backend.Backend, error) {
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	refresher := deps.Refresher
	if refresher == nil && cfg.Backend.TokenURL != "" {
		refresher = auth.OAuth2Refresher{Config: &oauth2.Config{
			ClientID:     cfg.Backend.ClientID,
			ClientSecret: cfg.Backend.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.Backend.TokenURL},
		}}
	}

	switch cfg.Backend.Name {
	case github.Name, github.AliasName:
		opts := []github.Option{github.WithLogger(deps.Logger), github.WithClock(deps.Now)}
		if deps.Cache != nil {
			opts = append(opts, github.WithCache(deps.Cache))
		}
		if deps.HTTPClient != nil {
			opts = append(opts, github.WithHTTPClient(deps.HTTPClient))
		}
		if refresher != nil {
			opts = append(opts, github.WithRefresher(refresher))
		}
		if deps.OnRefresh != nil {
			opts = append(opts, github.OnRefresh(deps.OnRefresh))
		}
		return github.New(cfg.Backend, opts...)

	case bitbucket.Name:
		opts := []bitbucket.Option{bitbucket.WithLogger(deps.Logger), bitbucket.WithClock(deps.Now)}
		if deps.Cache != nil {
			opts = append(opts, bitbucket.WithCache(deps.Cache))
		}
		if deps.HTTPClient != nil {
			opts = append(opts, bitbucket.WithHTTPClient(deps.HTTPClient))
		}
		if refresher != nil {
			opts = append(opts, bitbucket.WithRefresher(refresher))
		}
		if deps.OnRefresh != nil {
			opts = append(opts, bitbucket.OnRefresh(deps.OnRefresh))
		}
		return bitbucket.New(cfg.Backend, opts...)

	default:
		return nil, fmt.Errorf("backend %q not found: %w", cfg.Backend.Name, cmserrors.ErrConfig)
	}
}
