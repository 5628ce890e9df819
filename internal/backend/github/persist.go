package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"gitcms/internal/asset"
	"gitcms/internal/backend"
	cmserrors "gitcms/internal/errors"
	"gitcms/internal/gittree"
)

// PersistFiles uploads the pending files among mediaFiles and entry and
// commits them. Uploaded files are skipped; a failed upload leaves the
// files before it marked as uploaded.
func (a *API) PersistFiles(ctx context.Context, entry *asset.File, mediaFiles []*asset.File, opts backend.PersistOptions) error {
	files := make([]*asset.File, 0, len(mediaFiles)+1)
	files = append(files, mediaFiles...)
	files = append(files, entry)

	tree := gittree.New()
	for _, f := range files {
		if f.Uploaded() {
			continue
		}
		if err := a.UploadBlob(ctx, f); err != nil {
			return err
		}
		tree.Add(f.Path, f.SHA())
	}

	if opts.Mode == backend.ModeEditorialWorkflow {
		return a.editorialWorkflowGit(ctx, tree, entry, mediaFiles, opts)
	}

	_, err := a.commitToBranch(ctx, a.branch, tree, opts.CommitMessage, opts.CheckHead)
	return err
}

// CheckMetadataRef returns the commit the metadata ref points at,
// initializing the ref with a README when it does not exist.
func (a *API) CheckMetadataRef(ctx context.Context) (*ObjectRef, error) {
	ref, err := a.GetRef(ctx, MetaRefType, MetaRefName)
	if err == nil {
		return &ref.Object, nil
	}
	if !cmserrors.IsNotFound(err) {
		return nil, fmt.Errorf("reading metadata ref: %w", err)
	}

	a.logger.Info("initializing metadata ref", zap.String("ref", MetaRef))

	readme := asset.NewEntryFile("README.md", []byte(metadataReadme))
	if err := a.UploadBlob(ctx, readme); err != nil {
		return nil, err
	}
	treeSHA, err := a.CreateTree(ctx, "", []gittree.Entry{
		{Path: "README.md", Mode: gittree.ModeBlob, Type: gittree.TypeBlob, SHA: readme.SHA()},
	})
	if err != nil {
		return nil, fmt.Errorf("creating metadata tree: %w", err)
	}
	commit, err := a.CreateCommit(ctx, "First Commit", treeSHA, nil)
	if err != nil {
		return nil, fmt.Errorf("creating metadata commit: %w", err)
	}
	created, err := a.CreateRef(ctx, MetaRefType, MetaRefName, commit.SHA)
	if err != nil {
		return nil, fmt.Errorf("creating metadata ref: %w", err)
	}
	return &created.Object, nil
}

// StoreMetadata writes data as <key>.json on the metadata ref and caches it.
func (a *API) StoreMetadata(ctx context.Context, key string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding metadata %s: %w", key, err)
	}

	ref, err := a.CheckMetadataRef(ctx)
	if err != nil {
		return err
	}

	file := asset.NewEntryFile(key+".json", raw)
	if err := a.UploadBlob(ctx, file); err != nil {
		return err
	}

	if err := a.commitMetadata(ctx, ref.SHA, gittree.New().Add(file.Path, file.SHA()), fmt.Sprintf("Updating “%s” metadata", key)); err != nil {
		return err
	}

	if a.cache != nil {
		if err := a.cache.PutMeta(key, json.RawMessage(raw)); err != nil {
			a.logger.Warn("metadata cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// RetrieveMetadata decodes the document stored under key into out. A
// missing document is reported as a 404 APIError.
func (a *API) RetrieveMetadata(ctx context.Context, key string, out any) error {
	if a.cache != nil {
		ok, err := a.cache.GetMeta(key, out)
		if err != nil {
			a.logger.Warn("metadata cache read failed", zap.String("key", key), zap.Error(err))
		} else if ok {
			a.logger.Debug("metadata cache hit", zap.String("key", key))
			return nil
		}
	}

	raw, err := a.ReadFile(ctx, key+".json", MetaRef)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decoding metadata %s: %w", key, err)
	}

	if a.cache != nil {
		if err := a.cache.PutMeta(key, json.RawMessage(raw)); err != nil {
			a.logger.Warn("metadata cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// DeleteMetadata removes <key>.json from the metadata ref.
func (a *API) DeleteMetadata(ctx context.Context, key string) error {
	ref, err := a.CheckMetadataRef(ctx)
	if err != nil {
		return err
	}

	err = a.commitMetadata(ctx, ref.SHA, gittree.New().Remove(key+".json"), fmt.Sprintf("Deleting “%s” metadata", key))
	if err != nil && !errors.Is(err, errNothingToCommit) {
		return err
	}

	if a.cache != nil {
		if err := a.cache.DeleteMeta(key); err != nil {
			a.logger.Warn("metadata cache delete failed", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

func (a *API) commitMetadata(ctx context.Context, headSHA string, tree gittree.Tree, message string) error {
	_, baseTree, err := a.commitTree(ctx, headSHA)
	if err != nil {
		return err
	}
	commit, err := a.commitOnto(ctx, headSHA, baseTree, tree, message)
	if err != nil {
		return err
	}
	if _, err := a.PatchRef(ctx, MetaRefType, MetaRefName, commit.SHA); err != nil {
		return fmt.Errorf("updating metadata ref: %w", err)
	}
	return nil
}

// editorialWorkflowGit commits to the entry's own branch, opening the
// branch and its pull request on first save, and records the entry's
// workflow metadata.
func (a *API) editorialWorkflowGit(ctx context.Context, tree gittree.Tree, entry *asset.File, mediaFiles []*asset.File, opts backend.PersistOptions) error {
	branch := backend.BranchName(opts.Collection, opts.Slug)
	key := backend.MetadataKey(opts.Collection, opts.Slug)

	parentSHA, baseTree, err := a.head(ctx, branch)
	if err != nil {
		return err
	}

	meta := backend.UnpublishedMetadata{}
	if parentSHA == "" {
		baseSHA, baseTreeSHA, err := a.head(ctx, a.branch)
		if err != nil {
			return err
		}
		if baseSHA == "" {
			return fmt.Errorf("opening %s: base branch %s does not exist", branch, a.branch)
		}

		commit, err := a.commitOnto(ctx, baseSHA, baseTreeSHA, tree, opts.CommitMessage)
		if err != nil {
			return err
		}
		if _, err := a.CreateBranch(ctx, branch, commit.SHA); err != nil {
			return fmt.Errorf("creating branch %s: %w", branch, err)
		}
		pr, err := a.CreatePR(ctx, opts.CommitMessage, branch, a.branch)
		if err != nil {
			return fmt.Errorf("opening pull request for %s: %w", branch, err)
		}

		a.logger.Info("opened unpublished entry",
			zap.String("branch", branch),
			zap.Int("pr", pr.Number),
		)
		meta = backend.UnpublishedMetadata{
			Type:   "PR",
			PR:     backend.PRInfo{Number: pr.Number, Head: commit.SHA},
			User:   a.user,
			Status: backend.StatusDraft,
			Branch: branch,
		}
	} else {
		commit, err := a.commitOnto(ctx, parentSHA, baseTree, tree, opts.CommitMessage)
		if err != nil {
			return err
		}
		if opts.CheckHead {
			if err := a.checkHead(ctx, branch, parentSHA); err != nil {
				return err
			}
		}
		if _, err := a.PatchBranch(ctx, branch, commit.SHA); err != nil {
			return fmt.Errorf("updating branch %s: %w", branch, err)
		}

		if err := a.RetrieveMetadata(ctx, key, &meta); err != nil && !cmserrors.IsNotFound(err) {
			return err
		}
		if meta.Status == "" {
			meta.Status = backend.StatusDraft
		}
		meta.Type = "PR"
		meta.Branch = branch
		meta.PR.Head = commit.SHA
		if meta.User == "" {
			meta.User = a.user
		}
	}

	meta.Collection = opts.Collection
	meta.Slug = opts.Slug
	meta.Title = opts.Title
	meta.Description = opts.CommitMessage
	meta.Objects = backend.Objects{
		Entry: backend.ObjectFile{Path: entry.Path, SHA: entry.SHA()},
		Files: make([]backend.ObjectFile, 0, len(mediaFiles)),
	}
	for _, f := range mediaFiles {
		meta.Objects.Files = append(meta.Objects.Files, backend.ObjectFile{Path: f.Path, SHA: f.SHA()})
	}
	meta.TimeStamp = a.now().UTC()

	return a.StoreMetadata(ctx, key, meta)
}

// UnpublishedEntry returns the workflow metadata of an entry together with
// its content on the entry branch.
func (a *API) UnpublishedEntry(ctx context.Context, collection, slug string) (*backend.UnpublishedEntry, error) {
	var meta backend.UnpublishedMetadata
	if err := a.RetrieveMetadata(ctx, backend.MetadataKey(collection, slug), &meta); err != nil {
		return nil, err
	}

	data, err := a.ReadFile(ctx, meta.Objects.Entry.Path, meta.Branch)
	if err != nil {
		return nil, fmt.Errorf("reading unpublished entry %s: %w", meta.Objects.Entry.Path, err)
	}

	return &backend.UnpublishedEntry{
		Metadata: meta,
		File: backend.EntryFile{
			File: backend.FileRef{Path: meta.Objects.Entry.Path, SHA: meta.Objects.Entry.SHA},
			Data: data,
		},
	}, nil
}

func (a *API) UpdateUnpublishedEntryStatus(ctx context.Context, collection, slug, status string) error {
	if !backend.ValidStatus(status) {
		return fmt.Errorf("unknown workflow status %q", status)
	}

	key := backend.MetadataKey(collection, slug)
	var meta backend.UnpublishedMetadata
	if err := a.RetrieveMetadata(ctx, key, &meta); err != nil {
		return err
	}
	meta.Status = status
	meta.TimeStamp = a.now().UTC()
	return a.StoreMetadata(ctx, key, meta)
}

// PublishUnpublishedEntry merges the entry's pull request and removes its
// branch and metadata.
func (a *API) PublishUnpublishedEntry(ctx context.Context, collection, slug string) error {
	key := backend.MetadataKey(collection, slug)
	var meta backend.UnpublishedMetadata
	if err := a.RetrieveMetadata(ctx, key, &meta); err != nil {
		return err
	}

	if err := a.MergePR(ctx, meta.PR.Number, meta.PR.Head); err != nil {
		return fmt.Errorf("merging pull request %d: %w", meta.PR.Number, err)
	}
	a.logger.Info("published entry", zap.String("branch", meta.Branch), zap.Int("pr", meta.PR.Number))

	return a.cleanupUnpublished(ctx, key, meta.Branch)
}

// DeleteUnpublishedEntry closes the entry's pull request and removes its
// branch and metadata.
func (a *API) DeleteUnpublishedEntry(ctx context.Context, collection, slug string) error {
	key := backend.MetadataKey(collection, slug)
	var meta backend.UnpublishedMetadata
	if err := a.RetrieveMetadata(ctx, key, &meta); err != nil {
		return err
	}

	if err := a.ClosePR(ctx, meta.PR.Number); err != nil {
		return fmt.Errorf("closing pull request %d: %w", meta.PR.Number, err)
	}
	return a.cleanupUnpublished(ctx, key, meta.Branch)
}

func (a *API) cleanupUnpublished(ctx context.Context, key, branch string) error {
	if err := a.DeleteBranch(ctx, branch); err != nil && !cmserrors.IsNotFound(err) {
		return fmt.Errorf("deleting branch %s: %w", branch, err)
	}
	return a.DeleteMetadata(ctx, key)
}
