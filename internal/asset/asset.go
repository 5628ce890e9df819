// Package asset models media files attached to an entry.
package asset

import (
	"fmt"
	"path"
	"strings"
	"sync"
)

// File is a binary asset on its way to (or already in) the repository.
// Once Uploaded is set the file is skipped by later persists.
type File struct {
	Path       string // repo-relative
	PublicPath string // path as referenced from content
	Raw        []byte

	// Open lazily produces the content when Raw is nil.
	Open func() ([]byte, error)

	mu       sync.Mutex
	uploaded bool
	sha      string
}

// NewProxy resolves value against the media and public folders the way
// an editor-selected upload is placed. Already uploaded assets keep their
// value as both paths.
func NewProxy(value, mediaFolder, publicFolder string, raw []byte, uploaded bool) *File {
	f := &File{Path: value, PublicPath: value, Raw: raw, uploaded: uploaded}
	if !uploaded {
		if mediaFolder != "" {
			f.Path = ResolvePath(value, mediaFolder)
		}
		f.PublicPath = ResolvePath(value, publicFolder)
	}
	return f
}

// NewEntryFile wraps serialized entry content.
func NewEntryFile(p string, raw []byte) *File {
	return &File{Path: p, Raw: raw}
}

// ResolvePath joins the base name of p onto folder. Absolute URLs are
// left alone.
func ResolvePath(p, folder string) string {
	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") || strings.HasPrefix(p, "//") {
		return p
	}
	if folder == "" {
		return p
	}
	joined := path.Join(folder, path.Base(p))
	if strings.HasPrefix(folder, "/") {
		return joined
	}
	return strings.TrimPrefix(joined, "/")
}

func (f *File) Content() ([]byte, error) {
	if f.Raw != nil {
		return f.Raw, nil
	}
	if f.Open == nil {
		return nil, fmt.Errorf("asset %s has no content", f.Path)
	}
	raw, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("reading asset %s: %w", f.Path, err)
	}
	return raw, nil
}

func (f *File) Uploaded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploaded
}

func (f *File) SHA() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sha
}

// MarkUploaded records the blob sha assigned by the host. sha may be
// empty for hosts that do not report one.
func (f *File) MarkUploaded(sha string) {
	f.mu.Lock()
	f.uploaded = true
	f.sha = sha
	f.mu.Unlock()
}

// MarkUploadedAs is used when restoring a file from a previous attempt.
func MarkUploadedAs(f *File, sha string) *File {
	f.MarkUploaded(sha)
	return f
}

// Pending returns files not yet uploaded, in order.
func Pending(files []*File) []*File {
	var out []*File
	for _, f := range files {
		if !f.Uploaded() {
			out = append(out, f)
		}
	}
	return out
}
