package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Environment is where an error was raised
type Environment string

const (
	EnvServer Environment = "server"
	EnvClient Environment = "client"
)

// IsValid checks if the environment value is valid
func (e Environment) IsValid() bool {
	switch e {
	case EnvServer, EnvClient:
		return true
	}
	return false
}

// RawEvent is one client-reported error as pushed onto the event buffer.
// It only lives for the duration of a single pipeline run.
type RawEvent struct {
	ProjectID    string              `json:"projectId"`
	Message      string              `json:"message"`
	Script       string              `json:"script"`
	Trace        string              `json:"trace"`
	Environment  Environment         `json:"environment"`
	Context      map[string]any      `json:"context,omitempty"`
	Breadcrumbs  []RawBreadcrumb     `json:"breadcrumbs"`
	Ancestors    []RawScriptAncestor `json:"ancestors"`
	ServerID     string              `json:"serverId"`
	PlaceID      int64               `json:"placeId"`
	PlaceVersion int64               `json:"placeVersion"`
}

// RawBreadcrumb is a breadcrumb as reported by the client
type RawBreadcrumb struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// RawScriptAncestor is a script ancestor as reported by the client
type RawScriptAncestor struct {
	Name  string `json:"name"`
	Class string `json:"class"`
}

// Normalize lower-cases the server id. Producers are expected to send it
// lower-case already; this keeps ref-set comparisons exact.
func (e *RawEvent) Normalize() {
	e.ServerID = strings.ToLower(e.ServerID)
	e.Environment = Environment(strings.ToLower(string(e.Environment)))
}

// Validate checks the fields the pipeline relies on
func (e *RawEvent) Validate() error {
	if e.ProjectID == "" {
		return fmt.Errorf("projectId is required")
	}
	if e.Message == "" {
		return fmt.Errorf("message is required")
	}
	if !e.Environment.IsValid() {
		return fmt.Errorf("invalid environment: %q", e.Environment)
	}
	if e.ServerID == "" {
		return fmt.Errorf("serverId is required")
	}
	for i, b := range e.Breadcrumbs {
		if b.Message == "" {
			return fmt.Errorf("breadcrumb %d: message is required", i)
		}
	}
	for i, a := range e.Ancestors {
		if a.Name == "" || a.Class == "" {
			return fmt.Errorf("ancestor %d: name and class are required", i)
		}
	}
	return nil
}

// IdentityKey returns a digest of the full event. Two events with the same
// key are the same report delivered twice.
func (e *RawEvent) IdentityKey() (string, error) {
	// encoding/json sorts map keys, so equal events encode identically.
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to encode event: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
