package types

import (
	"fmt"
	"time"
)

// OperationKind is the decision made for one event during resolution
type OperationKind string

const (
	// OpMerge folds the event into an existing error record
	OpMerge OperationKind = "merge"
	// OpCreateError adds a new error record under an existing issue (quota gated)
	OpCreateError OperationKind = "create_error"
	// OpCreateIssue creates a new issue with one nested error record
	OpCreateIssue OperationKind = "create_issue"
)

// IsValid checks if the operation kind is valid
func (k OperationKind) IsValid() bool {
	switch k {
	case OpMerge, OpCreateError, OpCreateIssue:
		return true
	}
	return false
}

// Operation is one pending persistence unit. Each operation is its own
// atomic write; there is no transaction spanning operations.
type Operation struct {
	Kind      OperationKind `json:"kind"`
	ProjectID string        `json:"project_id"`
	Merge     *MergeOp      `json:"merge,omitempty"`
	Issue     *Issue        `json:"issue,omitempty"` // OpCreateIssue only
	Error     *ErrorRecord  `json:"error,omitempty"` // OpCreateError and OpCreateIssue
}

// Validate checks that the payload matches the kind
func (o *Operation) Validate() error {
	if !o.Kind.IsValid() {
		return fmt.Errorf("invalid operation kind: %s", o.Kind)
	}
	switch o.Kind {
	case OpMerge:
		if o.Merge == nil {
			return fmt.Errorf("merge operation requires merge payload")
		}
	case OpCreateError:
		if o.Error == nil {
			return fmt.Errorf("create_error operation requires error payload")
		}
	case OpCreateIssue:
		if o.Issue == nil || o.Error == nil {
			return fmt.Errorf("create_issue operation requires issue and error payloads")
		}
	}
	return nil
}

// MergeOp describes how to fold one occurrence into an existing error.
// The occurrence counter is always incremented by exactly one.
type MergeOp struct {
	ErrorID string `json:"error_id"`
	// Context keys overwrite the stored context on conflict
	Context map[string]any `json:"context,omitempty"`
	// AppendTimestamps targets breadcrumbs that already exist on the error
	AppendTimestamps []BreadcrumbAppend `json:"append_timestamps,omitempty"`
	// NewBreadcrumbs have no existing message match
	NewBreadcrumbs   []*Breadcrumb     `json:"new_breadcrumbs,omitempty"`
	NewServerIDs     []ServerIDRef     `json:"new_server_ids,omitempty"`
	NewPlaceVersions []PlaceVersionRef `json:"new_place_versions,omitempty"`
	NewPlaceIDs      []PlaceIDRef      `json:"new_place_ids,omitempty"`
	MergedAt         time.Time         `json:"merged_at"`
}

// BreadcrumbAppend adds one timestamp row under an existing breadcrumb
type BreadcrumbAppend struct {
	BreadcrumbID string    `json:"breadcrumb_id"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
}
