package utils

import (
	"github.com/go-git/go-git/v5/plumbing"
)

// HashContent returns the git blob sha of content, the name git gives the
// same bytes when they are committed.
func HashContent(content []byte) string {
	return plumbing.ComputeHash(plumbing.BlobObject, content).String()
}
