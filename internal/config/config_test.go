package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cmserrors "gitcms/internal/errors"
)

const sampleYAML = `
backend:
  name: bitbucket
  repo: owner/site
media_folder: static/img
public_folder: /img
collections:
  - name: posts
    label: Posts
    folder: content/posts
    format: yaml-frontmatter
    fields:
      - {name: title, widget: string}
      - {name: draft, widget: boolean, default: true}
  - name: settings
    files:
      - {name: general, file: data/settings.yml}
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("GITCMS_TOKEN", "secret")
	t.Setenv("GITCMS_BRANCH", "")

	cfg, err := Load(writeFile(t, "config.yml", sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "bitbucket", cfg.Backend.Name)
	assert.Equal(t, "owner/site", cfg.Backend.Repo)
	assert.Equal(t, DefaultBranch, cfg.Backend.Branch)
	assert.Equal(t, PublishModeSimple, cfg.PublishMode)
	assert.Equal(t, "secret", cfg.Backend.Token)
	assert.Equal(t, "gh", cfg.Cache.Prefix)

	posts, ok := cfg.Collection("posts")
	require.True(t, ok)
	assert.True(t, posts.IsFolder())
	assert.Equal(t, "md", posts.EntryExtension())
	assert.Equal(t, true, posts.Fields[1].Default)

	settings, ok := cfg.Collection("settings")
	require.True(t, ok)
	assert.False(t, settings.IsFolder())
	file, ok := settings.File("general")
	require.True(t, ok)
	assert.Equal(t, "data/settings.yml", file.File)
}

func TestLoadJSON(t *testing.T) {
	cfg, err := Load(writeFile(t, "config.json", `{"backend":{"repo":"a/b","branch":"main"},"publish_mode":"editorial_workflow"}`))
	require.NoError(t, err)
	assert.Equal(t, "github", cfg.Backend.Name)
	assert.Equal(t, "main", cfg.Backend.Branch)
	assert.Equal(t, PublishModeEditorialWorkflow, cfg.PublishMode)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "unknown publish mode", cfg: Config{PublishMode: "yolo"}},
		{name: "collection without source", cfg: Config{PublishMode: PublishModeSimple, Collections: []Collection{{Name: "x"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, cmserrors.ErrConfig))
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"GITCMS_API_ROOT":  "http://localhost:9999",
		"GITCMS_LOG_LEVEL": "debug",
	}
	var cfg Config
	cfg.ApplyEnv(func(k string) string { return env[k] })
	assert.Equal(t, "http://localhost:9999", cfg.Backend.APIRoot)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Empty(t, cfg.Backend.Token)
}
