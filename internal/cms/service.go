// Package cms is the entry service: it maps collections and entries onto
// repository files and drives a backend to read and persist them.
package cms

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"gitcms/internal/asset"
	"gitcms/internal/backend"
	"gitcms/internal/config"
	cmserrors "gitcms/internal/errors"
	"gitcms/internal/entry"
	"gitcms/internal/format"
	"gitcms/internal/logging"
)

const (
	MessageEntrySaved   = "Entry saved"
	MessagePersistFails = "Failed to persist entry"
)

var ErrUnknownCollection = errors.New("unknown collection")

type Service struct {
	cfg      *config.Config
	backend  backend.Backend
	notifier Notifier
	logger   *logging.Logger
}

// New resolves the configured backend and wraps it in a Service.
func New(cfg *config.Config, deps Deps) (*Service, error) {
	b, err := NewBackend(cfg, deps)
	if err != nil {
		return nil, err
	}
	return NewService(cfg, b, deps), nil
}

func NewService(cfg *config.Config, b backend.Backend, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	return &Service{cfg: cfg, backend: b, notifier: notifier, logger: logger.Named("cms")}
}

func (s *Service) Backend() backend.Backend { return s.backend }

// Workflow returns the backend's editorial workflow, if it has one.
func (s *Service) Workflow() (backend.Workflow, bool) {
	if !s.backend.SupportsWorkflow() {
		return nil, false
	}
	wf, ok := s.backend.(backend.Workflow)
	return wf, ok
}

func (s *Service) Metadata() (backend.MetadataStore, bool) {
	store, ok := s.backend.(backend.MetadataStore)
	return store, ok
}

// Authenticate logs in with the credentials from the configuration.
func (s *Service) Authenticate(ctx context.Context) (*backend.User, error) {
	return s.backend.Authenticate(ctx, backend.Credentials{
		Token:        s.cfg.Backend.Token,
		RefreshToken: s.cfg.Backend.RefreshToken,
	})
}

func (s *Service) collection(name string) (config.Collection, error) {
	col, ok := s.cfg.Collection(name)
	if !ok {
		return config.Collection{}, fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}
	return col, nil
}

// EntryPath is where the entry slug of collection lives in the repository.
func EntryPath(col config.Collection, slug string) (string, error) {
	if slug == "" {
		return "", errors.New("entry slug is required")
	}
	if col.IsFolder() {
		return path.Join(col.Folder, slug+"."+col.EntryExtension()), nil
	}
	f, ok := col.File(slug)
	if !ok {
		return "", fmt.Errorf("collection %s has no file %q", col.Name, slug)
	}
	return f.File, nil
}

func slugFromPath(p string) string {
	base := path.Base(p)
	return strings.TrimSuffix(base, path.Ext(base))
}

func formatFor(col config.Collection, p string) (format.Format, error) {
	return format.Resolve(col.Format, strings.TrimPrefix(path.Ext(p), "."))
}

func (s *Service) parse(col config.Collection, slug string, file backend.EntryFile) (*entry.Entry, error) {
	f, err := formatFor(col, file.File.Path)
	if err != nil {
		return nil, err
	}
	data, err := f.FromFile([]byte(file.Data))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", file.File.Path, err)
	}
	e := entry.New(col.Name, slug, file.File.Path, data)
	e.Label = file.File.Label
	e.Raw = file.Data
	return e, nil
}

// ListEntries loads every entry of a collection. A folder that does not
// exist yet holds no entries.
func (s *Service) ListEntries(ctx context.Context, collection string) ([]*entry.Entry, error) {
	col, err := s.collection(collection)
	if err != nil {
		return nil, err
	}

	var files []backend.EntryFile
	if col.IsFolder() {
		files, err = s.backend.EntriesByFolder(ctx, col, col.EntryExtension())
		if cmserrors.IsNotFound(err) {
			return []*entry.Entry{}, nil
		}
	} else {
		files, err = s.backend.EntriesByFiles(ctx, col)
	}
	if err != nil {
		return nil, err
	}

	slugs := make(map[string]string, len(col.Files))
	for _, f := range col.Files {
		slugs[f.File] = f.Name
	}

	entries := make([]*entry.Entry, 0, len(files))
	for _, file := range files {
		slug, ok := slugs[file.File.Path]
		if !ok {
			slug = slugFromPath(file.File.Path)
		}
		e, err := s.parse(col, slug, file)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *Service) GetEntry(ctx context.Context, collection, slug string) (*entry.Entry, error) {
	col, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	p, err := EntryPath(col, slug)
	if err != nil {
		return nil, err
	}
	file, err := s.backend.GetEntry(ctx, col, slug, p)
	if err != nil {
		return nil, err
	}
	if f, ok := col.File(slug); ok && !col.IsFolder() {
		file.File.Label = f.Label
	}
	return s.parse(col, slug, *file)
}

func commitMessage(verb, collection, slug string) string {
	return fmt.Sprintf("%s %s “%s”", verb, collection, slug)
}

// PersistEntry serializes the draft and commits it with media. Exactly one
// notification reports the outcome.
func (s *Service) PersistEntry(ctx context.Context, collection string, draft *entry.Draft, media []*asset.File) error {
	err := s.persist(ctx, collection, draft, media)
	if err != nil {
		s.logger.WithRequestID(ctx).Error("persist failed", zap.String("collection", collection), zap.Error(err))
		s.notifier.Notify(ctx, Notification{Message: MessagePersistFails, Kind: KindDanger, Err: err})
		return err
	}
	s.notifier.Notify(ctx, Notification{Message: MessageEntrySaved, Kind: KindSuccess})
	return nil
}

func (s *Service) persist(ctx context.Context, collection string, draft *entry.Draft, media []*asset.File) error {
	if draft == nil || draft.Entry == nil {
		return errors.New("no entry to persist")
	}
	col, err := s.collection(collection)
	if err != nil {
		return err
	}

	e := draft.Entry
	p := e.Path
	if p == "" {
		if p, err = EntryPath(col, e.Slug); err != nil {
			return err
		}
	}
	f, err := formatFor(col, p)
	if err != nil {
		return err
	}
	raw, err := f.ToFile(e.Data)
	if err != nil {
		return fmt.Errorf("serializing %s: %w", p, err)
	}

	verb := "Update"
	if e.NewRecord {
		verb = "Create"
	}
	opts := backend.PersistOptions{
		CommitMessage: commitMessage(verb, col.Name, e.Slug),
		Mode:          s.cfg.PublishMode,
		Collection:    col.Name,
		Slug:          e.Slug,
		Title:         e.Data.GetString("title"),
	}

	if err := s.backend.PersistEntry(ctx, asset.NewEntryFile(p, raw), media, opts); err != nil {
		return err
	}

	e.Path = p
	e.Raw = string(raw)
	e.NewRecord = false
	return nil
}

func (s *Service) DeleteEntry(ctx context.Context, collection, slug string) error {
	col, err := s.collection(collection)
	if err != nil {
		return err
	}
	p, err := EntryPath(col, slug)
	if err != nil {
		return err
	}
	return s.backend.DeleteFile(ctx, p, commitMessage("Delete", col.Name, slug), backend.DeleteOptions{})
}
