package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by stores when a requested row does not exist
var ErrNotFound = errors.New("not found")

// Issue is the durable cluster root for one tenant's similar error messages.
// The pipeline creates issues but never resolves them; resolution is a
// dashboard action.
type Issue struct {
	ID         string     `json:"id"`
	ProjectID  string     `json:"project_id"`
	Title      string     `json:"title"` // canonical message of the first sighting
	Resolved   bool       `json:"resolved"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Validate checks if the issue has valid field values
func (i *Issue) Validate() error {
	if i.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}
	if len(i.Title) == 0 {
		return fmt.Errorf("title is required")
	}
	if i.Resolved && i.ResolvedAt == nil {
		return fmt.Errorf("resolved_at must be set when resolved is true")
	}
	return nil
}

// IssueSummary is an issue with aggregate counts over its errors, used for listings.
type IssueSummary struct {
	Issue
	ErrorCount  int `json:"error_count"`
	Occurrences int `json:"occurrences"`
}

// IssueFilter narrows ListIssues results
type IssueFilter struct {
	ProjectID       string
	IncludeResolved bool
	Limit           int
}

// ErrorRecord clusters occurrences that share both message and trace
// similarity under one Issue. Occurrences starts at 1 and only grows.
type ErrorRecord struct {
	ID          string         `json:"id"`
	IssueID     string         `json:"issue_id"`
	Message     string         `json:"message"`
	Trace       string         `json:"trace"`
	Script      string         `json:"script"`
	Environment Environment    `json:"environment"`
	Context     map[string]any `json:"context,omitempty"`
	Occurrences int            `json:"occurrences"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`

	Breadcrumbs   []*Breadcrumb       `json:"breadcrumbs,omitempty"`
	ServerIDs     []ServerIDRef       `json:"server_ids,omitempty"`
	PlaceVersions []PlaceVersionRef   `json:"place_versions,omitempty"`
	PlaceIDs      []PlaceIDRef        `json:"place_ids,omitempty"`
	Ancestors     []ScriptAncestorRef `json:"ancestors,omitempty"`
}

// Validate checks if the error record has valid field values
func (e *ErrorRecord) Validate() error {
	if e.IssueID == "" {
		return fmt.Errorf("issue_id is required")
	}
	if e.Message == "" {
		return fmt.Errorf("message is required")
	}
	if !e.Environment.IsValid() {
		return fmt.Errorf("invalid environment: %s", e.Environment)
	}
	if e.Occurrences < 1 {
		return fmt.Errorf("occurrences must be at least 1 (got %d)", e.Occurrences)
	}
	return nil
}

// Breadcrumb returns the breadcrumb with the given message, or nil.
func (e *ErrorRecord) Breadcrumb(message string) *Breadcrumb {
	for _, b := range e.Breadcrumbs {
		if b.Message == message {
			return b
		}
	}
	return nil
}

// HasServerID reports whether serverID is already recorded for this error.
func (e *ErrorRecord) HasServerID(serverID string) bool {
	for _, r := range e.ServerIDs {
		if r.ServerID == serverID {
			return true
		}
	}
	return false
}

// HasPlaceVersion reports whether version is already recorded for this error.
func (e *ErrorRecord) HasPlaceVersion(version int64) bool {
	for _, r := range e.PlaceVersions {
		if r.Version == version {
			return true
		}
	}
	return false
}

// HasPlaceID reports whether placeID is already recorded for this error.
func (e *ErrorRecord) HasPlaceID(placeID int64) bool {
	for _, r := range e.PlaceIDs {
		if r.PlaceID == placeID {
			return true
		}
	}
	return false
}

// Breadcrumb is keyed by message text within its error. Timestamps is an
// append-only log with one entry per recurrence.
type Breadcrumb struct {
	ID         string      `json:"id"`
	ErrorID    string      `json:"error_id"`
	Message    string      `json:"message"`
	Timestamps []time.Time `json:"timestamps"`
}

// ServerIDRef records a server that produced an error
type ServerIDRef struct {
	ID       string `json:"id"`
	ServerID string `json:"server_id"`
}

// PlaceVersionRef records a place version that produced an error
type PlaceVersionRef struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
}

// PlaceIDRef records a place that produced an error
type PlaceIDRef struct {
	ID      string `json:"id"`
	PlaceID int64  `json:"place_id"`
}

// ScriptAncestorRef is one entry of the originating script's ancestry chain
type ScriptAncestorRef struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Class string `json:"class"`
}

// UsageLimit is tenant configuration read by the quota guard.
type UsageLimit struct {
	ProjectID      string    `json:"project_id"`
	UniqueErrorCap int       `json:"unique_error_cap"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Validate checks if the usage limit has valid field values
func (u *UsageLimit) Validate() error {
	if u.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}
	if u.UniqueErrorCap < 0 {
		return fmt.Errorf("unique_error_cap cannot be negative (got %d)", u.UniqueErrorCap)
	}
	if u.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// RunRecord is the persisted summary of one pipeline run
type RunRecord struct {
	ID            string     `json:"id"`
	State         string     `json:"state"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Drained       int        `json:"drained"`
	Merged        int        `json:"merged"`
	CreatedErrors int        `json:"created_errors"`
	CreatedIssues int        `json:"created_issues"`
	Rejected      int        `json:"rejected"`
	Failed        int        `json:"failed"`
	Error         string     `json:"error,omitempty"`
}

// Validate checks if the run record has valid field values
func (r *RunRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.State == "" {
		return fmt.Errorf("state is required")
	}
	if r.FinishedAt != nil && r.FinishedAt.Before(r.StartedAt) {
		return fmt.Errorf("finished_at cannot be before started_at")
	}
	return nil
}
