package entry

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Data is an insertion-ordered mapping of field name to value. Values are
// scalars, []any, or nested *Data.
type Data struct {
	keys   []string
	values map[string]any
}

func NewData() *Data {
	return &Data{values: map[string]any{}}
}

func (d *Data) Len() int {
	if d == nil {
		return 0
	}
	return len(d.keys)
}

func (d *Data) Keys() []string {
	if d == nil {
		return nil
	}
	return append([]string(nil), d.keys...)
}

func (d *Data) Get(key string) (any, bool) {
	if d == nil {
		return nil, false
	}
	v, ok := d.values[key]
	return v, ok
}

func (d *Data) GetString(key string) string {
	v, _ := d.Get(key)
	s, _ := v.(string)
	return s
}

// Set replaces the value of an existing key in place or appends a new one.
func (d *Data) Set(key string, value any) *Data {
	if d.values == nil {
		d.values = map[string]any{}
	}
	if _, ok := d.values[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.values[key] = value
	return d
}

func (d *Data) Delete(key string) {
	if _, ok := d.values[key]; !ok {
		return
	}
	delete(d.values, key)
	for i, k := range d.keys {
		if k == key {
			d.keys = append(d.keys[:i], d.keys[i+1:]...)
			break
		}
	}
}

func (d *Data) Clone() *Data {
	out := NewData()
	for _, k := range d.Keys() {
		v := d.values[k]
		if nested, ok := v.(*Data); ok {
			v = nested.Clone()
		}
		out.Set(k, v)
	}
	return out
}

// ToMap flattens the ordered mapping, recursively.
func (d *Data) ToMap() map[string]any {
	out := make(map[string]any, d.Len())
	for _, k := range d.Keys() {
		out[k] = plain(d.values[k])
	}
	return out
}

func plain(v any) any {
	switch t := v.(type) {
	case *Data:
		return t.ToMap()
	case []any:
		items := make([]any, len(t))
		for i, item := range t {
			items[i] = plain(item)
		}
		return items
	default:
		return v
	}
}

func (d *Data) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, k := range d.Keys() {
		var value yaml.Node
		if err := value.Encode(d.values[k]); err != nil {
			return nil, fmt.Errorf("encoding field %s: %w", k, err)
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k},
			&value,
		)
	}
	return node, nil
}

func (d *Data) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.DocumentNode && len(node.Content) == 1 {
		node = node.Content[0]
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("expected a mapping, got kind %d", node.Kind)
	}

	*d = Data{values: map[string]any{}}
	for i := 0; i+1 < len(node.Content); i += 2 {
		value, err := fromNode(node.Content[i+1])
		if err != nil {
			return err
		}
		d.Set(node.Content[i].Value, value)
	}
	return nil
}

func fromNode(n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.MappingNode:
		nested := NewData()
		if err := nested.UnmarshalYAML(n); err != nil {
			return nil, err
		}
		return nested, nil
	case yaml.SequenceNode:
		items := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := fromNode(c)
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		return items, nil
	case yaml.AliasNode:
		return fromNode(n.Alias)
	default:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

func (d *Data) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range d.Keys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(k)
		buf.Write(key)
		buf.WriteByte(':')
		value, err := json.Marshal(d.values[k])
		if err != nil {
			return nil, fmt.Errorf("encoding field %s: %w", k, err)
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON keeps key order by walking the token stream.
func (d *Data) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("expected a JSON object")
	}
	*d = Data{values: map[string]any{}}
	return decodeObject(dec, d)
}

func decodeObject(dec *json.Decoder, d *Data) error {
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("expected object key, got %v", tok)
		}
		value, err := decodeValue(dec)
		if err != nil {
			return err
		}
		d.Set(key, value)
	}
	_, err := dec.Token() // closing brace
	return err
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			nested := NewData()
			if err := decodeObject(dec, nested); err != nil {
				return nil, err
			}
			return nested, nil
		case '[':
			items := []any{}
			for dec.More() {
				v, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				items = append(items, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return items, nil
		}
		return nil, fmt.Errorf("unexpected delimiter %v", t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return int(i), nil
		}
		return t.Float64()
	default:
		return t, nil
	}
}
