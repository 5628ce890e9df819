// Package entry holds the content records edited through the CMS and the
// single working draft of an editor session.
package entry

import (
	"gitcms/internal/config"
)

// Entry is identified by (Collection, Slug).
type Entry struct {
	Collection string `json:"collection"`
	Slug       string `json:"slug"`
	Path       string `json:"path"`
	Label      string `json:"label,omitempty"`
	Raw        string `json:"raw,omitempty"`
	Data       *Data  `json:"data"`
	IsFetching bool   `json:"isFetching"`
	NewRecord  bool   `json:"newRecord"`
}

func New(collection, slug, path string, data *Data) *Entry {
	if data == nil {
		data = NewData()
	}
	return &Entry{Collection: collection, Slug: slug, Path: path, Data: data}
}

// Empty builds a new record with every field set to its default (or nil).
func Empty(collection config.Collection) *Entry {
	data := NewData()
	for _, field := range collection.Fields {
		data.Set(field.Name, field.Default)
	}
	e := New(collection.Name, "", "", data)
	e.NewRecord = true
	return e
}

// Draft is the working copy owned by one editor session: the entry being
// edited plus the public paths of media added since it was opened.
type Draft struct {
	Entry      *Entry
	MediaFiles []string
}

// FromEntry starts editing an existing entry.
func FromEntry(e *Entry) *Draft {
	cp := *e
	cp.Data = e.Data.Clone()
	cp.NewRecord = false
	return &Draft{Entry: &cp}
}

// NewDraft starts editing a new entry of collection.
func NewDraft(collection config.Collection) *Draft {
	return &Draft{Entry: Empty(collection)}
}

// Change replaces the draft's entry.
func (d *Draft) Change(e *Entry) {
	d.Entry = e
}

// SetField changes a single field of the draft's entry.
func (d *Draft) SetField(name string, value any) {
	d.Entry.Data.Set(name, value)
}

func (d *Draft) AddMedia(publicPath string) {
	d.MediaFiles = append(d.MediaFiles, publicPath)
}

// RemoveMedia drops every occurrence of publicPath.
func (d *Draft) RemoveMedia(publicPath string) {
	kept := d.MediaFiles[:0]
	for _, p := range d.MediaFiles {
		if p != publicPath {
			kept = append(kept, p)
		}
	}
	d.MediaFiles = kept
}

// Discard resets the draft to its empty state.
func (d *Draft) Discard() {
	d.Entry = nil
	d.MediaFiles = nil
}
