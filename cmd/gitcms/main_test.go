package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSet(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantName  string
		wantValue any
		wantErr   bool
	}{
		{"string", "title=Hello world", "title", "Hello world", false},
		{"bool", "draft=true", "draft", true, false},
		{"int", "weight=3", "weight", 3, false},
		{"list", "tags=[go, cms]", "tags", []any{"go", "cms"}, false},
		{"empty value", "title=", "title", nil, false},
		{"explicit null", "title=null", "title", nil, false},
		{"keeps equals in value", "expr=a=b", "expr", "a=b", false},
		{"missing equals", "title", "", nil, true},
		{"missing name", "=x", "", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, value, err := parseSet(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, name)
			assert.Equal(t, tt.wantValue, value)
		})
	}
}
