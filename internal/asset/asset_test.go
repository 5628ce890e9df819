package asset

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProxy(t *testing.T) {
	tests := []struct {
		name       string
		value      string
		uploaded   bool
		wantPath   string
		wantPublic string
	}{
		{name: "new upload", value: "photo.png", wantPath: "static/img/photo.png", wantPublic: "/img/photo.png"},
		{name: "nested value keeps base name", value: "tmp/x/photo.png", wantPath: "static/img/photo.png", wantPublic: "/img/photo.png"},
		{name: "already uploaded", value: "/img/old.png", uploaded: true, wantPath: "/img/old.png", wantPublic: "/img/old.png"},
		{name: "remote url", value: "https://cdn.example.com/a.png", wantPath: "https://cdn.example.com/a.png", wantPublic: "https://cdn.example.com/a.png"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewProxy(tt.value, "static/img", "/img", nil, tt.uploaded)
			assert.Equal(t, tt.wantPath, f.Path)
			assert.Equal(t, tt.wantPublic, f.PublicPath)
			assert.Equal(t, tt.uploaded, f.Uploaded())
		})
	}
}

func TestContent(t *testing.T) {
	f := &File{Path: "a", Open: func() ([]byte, error) { return []byte("lazy"), nil }}
	raw, err := f.Content()
	require.NoError(t, err)
	assert.Equal(t, "lazy", string(raw))

	broken := &File{Path: "b", Open: func() ([]byte, error) { return nil, errors.New("gone") }}
	_, err = broken.Content()
	assert.Error(t, err)

	_, err = (&File{Path: "c"}).Content()
	assert.Error(t, err)
}

func TestPending(t *testing.T) {
	a := NewEntryFile("a.md", []byte("a"))
	b := MarkUploadedAs(NewEntryFile("b.png", []byte("b")), "sha-b")

	assert.Equal(t, []*File{a}, Pending([]*File{a, b}))
	assert.Equal(t, "sha-b", b.SHA())
}
