package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"empty", "", "e69de29bb2d1d6434b8b29ae775ad8c2e48c5391"},
		{"hello", "hello", "b6fc4c620b67d95f953a5c1c1230aaab5db5a1b0"},
		{"hello newline", "hello\n", "ce013625030ba8dba906f756967f9e9ca394464a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HashContent([]byte(tt.content)))
		})
	}
}
