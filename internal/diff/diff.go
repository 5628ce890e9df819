// Package diff renders line diffs between two versions of an entry file.
package diff

import (
	"bytes"
	"fmt"
	"strings"

	gitdiff "github.com/go-git/go-git/v5/utils/diff"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// LineType indicates whether a line was added, removed, or is context
type LineType int

const (
	Context LineType = iota
	Addition
	Deletion
)

type Line struct {
	Type    LineType
	Content string
	OldNum  int // zero for additions
	NewNum  int // zero for deletions
}

// Hunk is a run of changes with its surrounding context.
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []Line
}

type Result struct {
	Hunks []Hunk
	Stats struct {
		Additions int
		Deletions int
		Changes   int
	}
}

func (r *Result) Empty() bool {
	return len(r.Hunks) == 0
}

type Engine struct {
	contextLines int
}

func NewEngine(contextLines int) *Engine {
	if contextLines < 0 {
		contextLines = 0
	}
	return &Engine{contextLines: contextLines}
}

// Diff compares two contents line by line.
func (e *Engine) Diff(oldContent, newContent []byte) *Result {
	lines := flatten(gitdiff.Do(string(oldContent), string(newContent)))

	result := &Result{Hunks: e.hunks(lines)}
	for _, l := range lines {
		switch l.Type {
		case Addition:
			result.Stats.Additions++
		case Deletion:
			result.Stats.Deletions++
		}
	}
	result.Stats.Changes = result.Stats.Additions + result.Stats.Deletions
	return result
}

func flatten(diffs []diffmatchpatch.Diff) []Line {
	var (
		out    []Line
		oldNum int
		newNum int
	)
	for _, d := range diffs {
		text := strings.TrimSuffix(d.Text, "\n")
		if text == "" && d.Text == "" {
			continue
		}
		for _, content := range strings.Split(text, "\n") {
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				oldNum++
				newNum++
				out = append(out, Line{Type: Context, Content: content, OldNum: oldNum, NewNum: newNum})
			case diffmatchpatch.DiffDelete:
				oldNum++
				out = append(out, Line{Type: Deletion, Content: content, OldNum: oldNum})
			case diffmatchpatch.DiffInsert:
				newNum++
				out = append(out, Line{Type: Addition, Content: content, NewNum: newNum})
			}
		}
	}
	return out
}

// hunks groups changed lines, merging groups whose context would overlap.
func (e *Engine) hunks(lines []Line) []Hunk {
	var hunks []Hunk
	start, end := -1, -1
	flush := func() {
		if start < 0 {
			return
		}
		lo := max(0, start-e.contextLines)
		hi := min(len(lines), end+1+e.contextLines)
		hunks = append(hunks, newHunk(lines, lo, hi))
		start, end = -1, -1
	}

	for i, l := range lines {
		if l.Type == Context {
			continue
		}
		if start >= 0 && i-end > 2*e.contextLines+1 {
			flush()
		}
		if start < 0 {
			start = i
		}
		end = i
	}
	flush()
	return hunks
}

func newHunk(lines []Line, lo, hi int) Hunk {
	h := Hunk{Lines: append([]Line(nil), lines[lo:hi]...)}

	// Positions before the hunk's first line.
	var oldBefore, newBefore int
	for _, l := range lines[:lo] {
		if l.Type != Addition {
			oldBefore++
		}
		if l.Type != Deletion {
			newBefore++
		}
	}
	for _, l := range h.Lines {
		if l.Type != Addition {
			h.OldLines++
		}
		if l.Type != Deletion {
			h.NewLines++
		}
	}

	h.OldStart, h.NewStart = oldBefore, newBefore
	if h.OldLines > 0 {
		h.OldStart++
	}
	if h.NewLines > 0 {
		h.NewStart++
	}
	return h
}

// Format renders the result in unified diff form.
func (r *Result) Format() string {
	var buf bytes.Buffer

	for _, hunk := range r.Hunks {
		fmt.Fprintf(&buf, "@@ -%d,%d +%d,%d @@\n",
			hunk.OldStart, hunk.OldLines,
			hunk.NewStart, hunk.NewLines)

		for _, line := range hunk.Lines {
			switch line.Type {
			case Addition:
				buf.WriteByte('+')
			case Deletion:
				buf.WriteByte('-')
			case Context:
				buf.WriteByte(' ')
			}
			buf.WriteString(line.Content)
			buf.WriteByte('\n')
		}
	}

	return buf.String()
}
