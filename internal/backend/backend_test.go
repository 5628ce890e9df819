package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"gitcms/internal/config"
)

func TestFileExtension(t *testing.T) {
	tests := map[string]string{
		"content/posts/a.md":  "md",
		"data/settings.yml":   "yml",
		"README":              "",
		"dir.with.dot/readme": "",
		"a.tar.gz":            "gz",
	}
	for in, want := range tests {
		assert.Equal(t, want, FileExtension(in), in)
	}
}

func TestCollectionFiles(t *testing.T) {
	col := config.Collection{Name: "settings", Files: []config.CollectionFile{
		{Name: "general", Label: "General", File: "data/general.yml"},
		{Name: "authors", File: "data/authors.yml"},
	}}

	assert.Equal(t, []FileRef{
		{Path: "data/general.yml", Label: "General"},
		{Path: "data/authors.yml"},
	}, CollectionFiles(col))
}

func TestWorkflowNames(t *testing.T) {
	assert.Equal(t, "posts-hello", MetadataKey("posts", "hello"))
	assert.Equal(t, "cms/posts-hello", BranchName("posts", "hello"))
	assert.True(t, ValidStatus(StatusPendingReview))
	assert.False(t, ValidStatus("published"))
}
