package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitcms/internal/entry"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name      string
		format    string
		extension string
		want      Format
		wantErr   bool
	}{
		{name: "explicit frontmatter", format: "yaml-frontmatter", extension: "md", want: YAMLFrontmatter{}},
		{name: "toml frontmatter", format: "toml-frontmatter", want: TOMLFrontmatter{}},
		{name: "by extension yml", extension: "yml", want: YAML{}},
		{name: "by extension json", extension: ".json", want: JSON{}},
		{name: "markdown default", extension: "md", want: YAMLFrontmatter{}},
		{name: "unknown", format: "xml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.format, tt.extension)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestYAMLFrontmatter(t *testing.T) {
	content := "---\ntitle: Hello\ndate: 2024-01-02\ntags:\n  - a\n  - b\n---\n\n\nBody text\n"

	data, err := YAMLFrontmatter{}.FromFile([]byte(content))
	require.NoError(t, err)
	assert.Equal(t, []string{"title", "date", "tags", "body"}, data.Keys())
	assert.Equal(t, "Hello", data.GetString("title"))
	assert.Equal(t, "Body text\n", data.GetString("body"))

	out, err := YAMLFrontmatter{}.ToFile(data)
	require.NoError(t, err)

	again, err := YAMLFrontmatter{}.FromFile(out)
	require.NoError(t, err)
	assert.Equal(t, data.Keys(), again.Keys())
	assert.Equal(t, "Body text\n", again.GetString("body"))
	tags, _ := again.Get("tags")
	assert.Equal(t, []any{"a", "b"}, tags)
}

func TestFrontmatterWithoutHeader(t *testing.T) {
	data, err := YAMLFrontmatter{}.FromFile([]byte("just text"))
	require.NoError(t, err)
	assert.Equal(t, []string{"body"}, data.Keys())
	assert.Equal(t, "just text", data.GetString("body"))
}

func TestYAMLFrontmatterToFile(t *testing.T) {
	data := entry.NewData().Set("title", "Hi").Set("body", "Text").Set("draft", false)

	out, err := YAMLFrontmatter{}.ToFile(data)
	require.NoError(t, err)
	assert.Equal(t, "---\ntitle: Hi\ndraft: false\n---\n\nText", string(out))
}

func TestTOMLFrontmatter(t *testing.T) {
	data := entry.NewData().
		Set("title", "Hi").
		Set("params", entry.NewData().Set("color", "red")).
		Set("weight", 3).
		Set("body", "Text")

	out, err := TOMLFrontmatter{}.ToFile(data)
	require.NoError(t, err)

	back, err := TOMLFrontmatter{}.FromFile(out)
	require.NoError(t, err)
	assert.Equal(t, []string{"title", "weight", "params", "body"}, back.Keys())
	assert.Equal(t, 3, mustGet(t, back, "weight"))
	params := mustGet(t, back, "params").(*entry.Data)
	assert.Equal(t, "red", params.GetString("color"))
	assert.Equal(t, "Text", back.GetString("body"))
}

func TestJSON(t *testing.T) {
	data, err := JSON{}.FromFile([]byte(`{"b":1,"a":{"x":"y"}}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, data.Keys())

	out, err := JSON{}.ToFile(data)
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"b\": 1,\n  \"a\": {\n    \"x\": \"y\"\n  }\n}\n", string(out))
}

func mustGet(t *testing.T, d *entry.Data, key string) any {
	t.Helper()
	v, ok := d.Get(key)
	require.True(t, ok, key)
	return v
}
