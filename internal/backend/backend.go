// Package backend defines the capability surface every git host
// implements and the values that cross it.
package backend

import (
	"context"
	"time"

	"gitcms/internal/asset"
	"gitcms/internal/auth"
	"gitcms/internal/config"
)

// Publish modes.
const (
	ModeSimple            = config.PublishModeSimple
	ModeEditorialWorkflow = config.PublishModeEditorialWorkflow
)

// FileRef points at a file in the repository. SHA is empty when unknown.
type FileRef struct {
	Path  string `json:"path"`
	SHA   string `json:"sha,omitempty"`
	Label string `json:"label,omitempty"`
}

// EntryFile is a fetched file with its raw content.
type EntryFile struct {
	File FileRef `json:"file"`
	Data string  `json:"data"`
}

type PersistOptions struct {
	CommitMessage string
	Mode          string // simple or editorial_workflow
	Collection    string
	Slug          string
	Title         string
	// CheckHead makes the final ref update fail when the branch moved
	// while the commit was being built.
	CheckHead bool
}

type DeleteOptions struct {
	Branch string
}

type Credentials struct {
	Token        string
	RefreshToken string
	ExpiresAt    time.Time
}

func (c Credentials) AuthToken() auth.Token {
	return auth.Token{AccessToken: c.Token, RefreshToken: c.RefreshToken, ExpiresAt: c.ExpiresAt}
}

type User struct {
	Login     string    `json:"login"`
	Name      string    `json:"name,omitempty"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Backend is implemented once per git host.
type Backend interface {
	Authenticate(ctx context.Context, creds Credentials) (*User, error)
	GetToken(ctx context.Context) (string, error)

	EntriesByFolder(ctx context.Context, collection config.Collection, extension string) ([]EntryFile, error)
	EntriesByFiles(ctx context.Context, collection config.Collection) ([]EntryFile, error)
	GetEntry(ctx context.Context, collection config.Collection, slug, path string) (*EntryFile, error)

	PersistEntry(ctx context.Context, entry *asset.File, mediaFiles []*asset.File, opts PersistOptions) error
	DeleteFile(ctx context.Context, path, message string, opts DeleteOptions) error

	SupportsWorkflow() bool
}

// FileExtension returns the extension of p without the dot.
func FileExtension(p string) string {
	for i := len(p) - 1; i >= 0 && p[i] != '/'; i-- {
		if p[i] == '.' {
			return p[i+1:]
		}
	}
	return ""
}

// CollectionFiles lists the files of a files collection.
func CollectionFiles(collection config.Collection) []FileRef {
	refs := make([]FileRef, 0, len(collection.Files))
	for _, f := range collection.Files {
		refs = append(refs, FileRef{Path: f.File, Label: f.Label})
	}
	return refs
}

// MetadataStore is implemented by backends that keep JSON documents on a
// dedicated ref.
type MetadataStore interface {
	StoreMetadata(ctx context.Context, key string, data any) error
	RetrieveMetadata(ctx context.Context, key string, out any) error
	DeleteMetadata(ctx context.Context, key string) error
}

// Workflow is implemented by backends that support the editorial workflow.
type Workflow interface {
	UnpublishedEntry(ctx context.Context, collection, slug string) (*UnpublishedEntry, error)
	UpdateUnpublishedEntryStatus(ctx context.Context, collection, slug, status string) error
	PublishUnpublishedEntry(ctx context.Context, collection, slug string) error
	DeleteUnpublishedEntry(ctx context.Context, collection, slug string) error
}
