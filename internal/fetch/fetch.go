// Package fetch reads batches of repository files with a bounded number of
// requests in flight, going through the content cache first.
package fetch

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"gitcms/internal/backend"
	"gitcms/internal/logging"
)

// MaxConcurrentDownloads bounds in-flight reads per batch.
const MaxConcurrentDownloads = 10

// ReadFunc performs the network read of one file.
type ReadFunc func(ctx context.Context, file backend.FileRef) (string, error)

// ContentCache is the sha-keyed half of the read cache.
type ContentCache interface {
	GetContent(sha string) ([]byte, bool, error)
	PutContent(sha string, content []byte) error
}

type Fetcher struct {
	read   ReadFunc
	cache  ContentCache
	limit  int64
	logger *logging.Logger
}

type Option func(*Fetcher)

func WithCache(c ContentCache) Option {
	return func(f *Fetcher) { f.cache = c }
}

func WithLimit(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.limit = int64(n)
		}
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

func New(read ReadFunc, opts ...Option) *Fetcher {
	f := &Fetcher{
		read:   read,
		limit:  MaxConcurrentDownloads,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ReadFile returns the content of one file, from the cache when its sha is
// known and cached. Cache failures degrade to a network read.
func (f *Fetcher) ReadFile(ctx context.Context, file backend.FileRef) (string, error) {
	if f.cache != nil && file.SHA != "" {
		content, ok, err := f.cache.GetContent(file.SHA)
		if err != nil {
			f.logger.Warn("content cache read failed", zap.String("sha", file.SHA), zap.Error(err))
		} else if ok {
			return string(content), nil
		}
	}

	data, err := f.read(ctx, file)
	if err != nil {
		return "", err
	}

	if f.cache != nil && file.SHA != "" {
		if err := f.cache.PutContent(file.SHA, []byte(data)); err != nil {
			f.logger.Warn("content cache write failed", zap.String("sha", file.SHA), zap.Error(err))
		}
	}
	return data, nil
}

// FetchFiles reads every file, at most limit at a time. The first failure
// fails the batch and stops reads that have not started yet; every permit
// is released whether its read succeeded or not.
func (f *Fetcher) FetchFiles(ctx context.Context, files []backend.FileRef) ([]backend.EntryFile, error) {
	sem := semaphore.NewWeighted(f.limit)
	g, gctx := errgroup.WithContext(ctx)
	results := make([]backend.EntryFile, len(files))

	var acquireErr error
	for i, file := range files {
		if err := sem.Acquire(gctx, 1); err != nil {
			acquireErr = err
			break
		}
		i, file := i, file
		g.Go(func() error {
			defer sem.Release(1)

			data, err := f.ReadFile(gctx, file)
			if err != nil {
				return fmt.Errorf("reading %s: %w", file.Path, err)
			}
			results[i] = backend.EntryFile{File: file, Data: data}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if acquireErr != nil {
		return nil, acquireErr
	}
	return results, nil
}
