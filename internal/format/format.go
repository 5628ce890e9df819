// Package format converts entry data to and from file content.
package format

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"gitcms/internal/entry"
)

// BodyField holds the markdown body of front-matter formats.
const BodyField = "body"

type Format interface {
	FromFile(content []byte) (*entry.Data, error)
	ToFile(data *entry.Data) ([]byte, error)
}

// Resolve picks a format by collection format name, falling back to the
// file extension.
func Resolve(name, extension string) (Format, error) {
	switch name {
	case "yaml-frontmatter", "frontmatter":
		return YAMLFrontmatter{}, nil
	case "toml-frontmatter":
		return TOMLFrontmatter{}, nil
	case "yaml", "yml":
		return YAML{}, nil
	case "toml":
		return TOML{}, nil
	case "json":
		return JSON{}, nil
	case "":
	default:
		return nil, fmt.Errorf("unsupported format %q", name)
	}

	switch strings.TrimPrefix(extension, ".") {
	case "yml", "yaml":
		return YAML{}, nil
	case "toml":
		return TOML{}, nil
	case "json":
		return JSON{}, nil
	default:
		return YAMLFrontmatter{}, nil
	}
}

type YAML struct{}

func (YAML) FromFile(content []byte) (*entry.Data, error) {
	data := entry.NewData()
	if len(bytes.TrimSpace(content)) == 0 {
		return data, nil
	}
	if err := yaml.Unmarshal(content, data); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}
	return data, nil
}

func (YAML) ToFile(data *entry.Data) ([]byte, error) {
	if data.Len() == 0 {
		return []byte{}, nil
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(data); err != nil {
		return nil, fmt.Errorf("encoding yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type JSON struct{}

func (JSON) FromFile(content []byte) (*entry.Data, error) {
	data := entry.NewData()
	if err := json.Unmarshal(content, data); err != nil {
		return nil, fmt.Errorf("parsing json: %w", err)
	}
	return data, nil
}

func (JSON) ToFile(data *entry.Data) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

type TOML struct{}

var tomlKeyLine = regexp.MustCompile(`(?m)^\s*\[?\s*"?([A-Za-z0-9_\-]+)"?\s*[\]=]`)

func (TOML) FromFile(content []byte) (*entry.Data, error) {
	var m map[string]any
	if err := toml.Unmarshal(content, &m); err != nil {
		return nil, fmt.Errorf("parsing toml: %w", err)
	}

	// Maps lose key order; recover it from where keys first appear.
	pos := map[string]int{}
	for _, match := range tomlKeyLine.FindAllSubmatchIndex(content, -1) {
		key := string(content[match[2]:match[3]])
		if _, seen := pos[key]; !seen {
			pos[key] = match[0]
		}
	}
	return fromMap(m, pos), nil
}

func fromMap(m map[string]any, pos map[string]int) *entry.Data {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.SliceStable(keys, func(i, j int) bool {
		pi, iok := pos[keys[i]]
		pj, jok := pos[keys[j]]
		if iok && jok && pi != pj {
			return pi < pj
		}
		if iok != jok {
			return iok
		}
		return keys[i] < keys[j]
	})

	data := entry.NewData()
	for _, k := range keys {
		data.Set(k, fromTOMLValue(m[k], pos))
	}
	return data
}

func fromTOMLValue(v any, pos map[string]int) any {
	switch t := v.(type) {
	case map[string]any:
		return fromMap(t, pos)
	case []any:
		for i := range t {
			t[i] = fromTOMLValue(t[i], pos)
		}
		return t
	case int64:
		return int(t)
	default:
		return v
	}
}

// ToFile writes plain keys before tables so they stay at the top level.
func (TOML) ToFile(data *entry.Data) ([]byte, error) {
	var plain, tables bytes.Buffer
	for _, k := range data.Keys() {
		v, _ := data.Get(k)
		out, err := toml.Marshal(map[string]any{k: toPlain(v)})
		if err != nil {
			return nil, fmt.Errorf("encoding toml field %s: %w", k, err)
		}
		if _, isTable := v.(*entry.Data); isTable {
			tables.Write(out)
		} else {
			plain.Write(out)
		}
	}
	plain.Write(tables.Bytes())
	return plain.Bytes(), nil
}

func toPlain(v any) any {
	switch t := v.(type) {
	case *entry.Data:
		return t.ToMap()
	case []any:
		items := make([]any, len(t))
		for i := range t {
			items[i] = toPlain(t[i])
		}
		return items
	default:
		return v
	}
}

var (
	yamlFrontmatter = regexp.MustCompile(`^---\n([\s\S]*?)\n---\n([\s\S]*)$`)
	tomlFrontmatter = regexp.MustCompile(`^\+\+\+\n([\s\S]*?)\n\+\+\+\n([\s\S]*)$`)
)

type YAMLFrontmatter struct{}

func (YAMLFrontmatter) FromFile(content []byte) (*entry.Data, error) {
	return splitFrontmatter(content, yamlFrontmatter, YAML{})
}

func (YAMLFrontmatter) ToFile(data *entry.Data) ([]byte, error) {
	return joinFrontmatter(data, "---", YAML{})
}

type TOMLFrontmatter struct{}

func (TOMLFrontmatter) FromFile(content []byte) (*entry.Data, error) {
	return splitFrontmatter(content, tomlFrontmatter, TOML{})
}

func (TOMLFrontmatter) ToFile(data *entry.Data) ([]byte, error) {
	return joinFrontmatter(data, "+++", TOML{})
}

// splitFrontmatter treats a file without front matter as all body.
func splitFrontmatter(content []byte, re *regexp.Regexp, meta Format) (*entry.Data, error) {
	match := re.FindSubmatch(content)
	if match == nil {
		return entry.NewData().Set(BodyField, string(content)), nil
	}

	data, err := meta.FromFile(match[1])
	if err != nil {
		return nil, err
	}
	data.Set(BodyField, strings.TrimLeft(string(match[2]), "\n"))
	return data, nil
}

func joinFrontmatter(data *entry.Data, fence string, meta Format) ([]byte, error) {
	fields := data.Clone()
	body := fields.GetString(BodyField)
	fields.Delete(BodyField)

	head, err := meta.ToFile(fields)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(fence + "\n")
	buf.Write(head)
	if len(head) > 0 && !bytes.HasSuffix(head, []byte("\n")) {
		buf.WriteByte('\n')
	}
	buf.WriteString(fence + "\n\n")
	buf.WriteString(body)
	return buf.Bytes(), nil
}
