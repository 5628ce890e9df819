package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiff(t *testing.T) {
	tests := []struct {
		name      string
		context   int
		old, new  string
		want      string
		additions int
		deletions int
	}{
		{
			name:    "identical",
			context: 3,
			old:     "a\nb\n",
			new:     "a\nb\n",
			want:    "",
		},
		{
			name:      "changed line",
			context:   1,
			old:       "a\nb\nc\n",
			new:       "a\nB\nc\n",
			want:      "@@ -1,3 +1,3 @@\n a\n-b\n+B\n c\n",
			additions: 1,
			deletions: 1,
		},
		{
			name:      "append without context",
			context:   0,
			old:       "a\n",
			new:       "a\nb\n",
			want:      "@@ -1,0 +2,1 @@\n+b\n",
			additions: 1,
		},
		{
			name:      "new file",
			context:   3,
			old:       "",
			new:       "title: x\n",
			want:      "@@ -0,0 +1,1 @@\n+title: x\n",
			additions: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NewEngine(tt.context).Diff([]byte(tt.old), []byte(tt.new))
			assert.Equal(t, tt.want, res.Format())
			assert.Equal(t, tt.additions, res.Stats.Additions)
			assert.Equal(t, tt.deletions, res.Stats.Deletions)
			assert.Equal(t, tt.additions+tt.deletions, res.Stats.Changes)
			assert.Equal(t, tt.want == "", res.Empty())
		})
	}
}

func TestDiffSplitsDistantChanges(t *testing.T) {
	old := "1\n2\n3\n4\n5\n6\n7\n8\n9\n"
	changed := "one\n2\n3\n4\n5\n6\n7\n8\nnine\n"

	res := NewEngine(1).Diff([]byte(old), []byte(changed))
	require.Len(t, res.Hunks, 2)
	assert.Equal(t, 1, res.Hunks[0].OldStart)
	assert.Equal(t, 8, res.Hunks[1].OldStart)

	res = NewEngine(4).Diff([]byte(old), []byte(changed))
	assert.Len(t, res.Hunks, 1, "overlapping context merges hunks")
}
