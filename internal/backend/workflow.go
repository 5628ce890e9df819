package backend

import "time"

// Editorial workflow statuses.
const (
	StatusDraft          = "draft"
	StatusPendingReview  = "pending_review"
	StatusPendingPublish = "pending_publish"
)

const branchPrefix = "cms/"

func ValidStatus(status string) bool {
	switch status {
	case StatusDraft, StatusPendingReview, StatusPendingPublish:
		return true
	}
	return false
}

// MetadataKey names the metadata document of an unpublished entry.
func MetadataKey(collection, slug string) string {
	return collection + "-" + slug
}

// BranchName is the branch an unpublished entry lives on.
func BranchName(collection, slug string) string {
	return branchPrefix + MetadataKey(collection, slug)
}

type PRInfo struct {
	Number int    `json:"number"`
	Head   string `json:"head"`
}

type ObjectFile struct {
	Path string `json:"path"`
	SHA  string `json:"sha"`
}

type Objects struct {
	Entry ObjectFile   `json:"entry"`
	Files []ObjectFile `json:"files"`
}

// UnpublishedMetadata is stored on the metadata ref for every entry in
// the editorial workflow.
type UnpublishedMetadata struct {
	Type        string    `json:"type"`
	PR          PRInfo    `json:"pr"`
	User        string    `json:"user"`
	Status      string    `json:"status"`
	Branch      string    `json:"branch"`
	Collection  string    `json:"collection"`
	Slug        string    `json:"slug"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Objects     Objects   `json:"objects"`
	TimeStamp   time.Time `json:"timeStamp"`
}

type UnpublishedEntry struct {
	Metadata UnpublishedMetadata `json:"metadata"`
	File     EntryFile           `json:"file"`
}
