// Package node implements the Node Store (spec §4.5): CRUD on hierarchical
// node documents modeling checkouts, builds, and tests, with query/filter
// support and the state machine transitions from spec §4.6.
package node

import (
	"encoding/json"
	"errors"
	"time"
)

// State is one of the four node lifecycle states (spec §4.6).
type State string

const (
	StateRunning   State = "Running"
	StateAvailable State = "Available"
	StateClosing   State = "Closing"
	StateDone      State = "Done"
)

// Result is the outcome recorded on a node, orthogonal to State.
type Result string

const (
	ResultPass       Result = "pass"
	ResultFail       Result = "fail"
	ResultSkip       Result = "skip"
	ResultIncomplete Result = "incomplete"
	ResultAbsent     Result = "absent"
)

// DefaultTimeout is the default terminal deadline applied at Create when
// the draft does not specify one.
const DefaultTimeout = 6 * time.Hour

var (
	ErrNotFound          = errors.New("node not found")
	ErrInvalidParent     = errors.New("parent missing or terminal")
	ErrPermissionDenied  = errors.New("user groups do not permit this mutation")
	ErrInvalidTransition = errors.New("state transition not permitted")
	ErrForbiddenField    = errors.New("field cannot be changed by patch")
	ErrInvalidInput      = errors.New("invalid input")
	ErrConflict          = errors.New("node was modified concurrently")
	errStorageUnavailable = errors.New("node store storage unavailable")
)

// ErrStorageUnavailable is returned by a durable Store backend when the
// underlying database could not be reached after the configured retry
// budget (spec §7 StorageUnavailable).
var ErrStorageUnavailable = errStorageUnavailable

// Node is an atomic pipeline artifact: a checkout, build, test or
// test-case (spec §3).
type Node struct {
	ID           string            `json:"id"`
	Kind         string            `json:"kind"`
	Name         string            `json:"name"`
	Path         []string          `json:"path"`
	Parent       string            `json:"parent,omitempty"`
	Group        string            `json:"group,omitempty"`
	State        State             `json:"state"`
	Result       Result            `json:"result"`
	Data         json.RawMessage   `json:"data,omitempty"`
	Artifacts    map[string]string `json:"artifacts,omitempty"`
	Owner        string            `json:"owner"`
	UserGroups   []string          `json:"user_groups,omitempty"`
	Created      time.Time         `json:"created"`
	Updated      time.Time         `json:"updated"`
	Holdoff      *time.Time        `json:"holdoff,omitempty"`
	Timeout      time.Time         `json:"timeout"`
	RetryCounter int               `json:"retry_counter"`
}

// Clone returns a deep-enough copy of n safe for a caller to mutate without
// affecting the store's internal state: Path, UserGroups, Artifacts, Data
// and Holdoff are copied explicitly.
func (n Node) Clone() Node {
	clone := n
	if n.Path != nil {
		clone.Path = append([]string(nil), n.Path...)
	}
	if n.UserGroups != nil {
		clone.UserGroups = append([]string(nil), n.UserGroups...)
	}
	if n.Artifacts != nil {
		clone.Artifacts = make(map[string]string, len(n.Artifacts))
		for k, v := range n.Artifacts {
			clone.Artifacts[k] = v
		}
	}
	if n.Data != nil {
		clone.Data = append(json.RawMessage(nil), n.Data...)
	}
	if n.Holdoff != nil {
		h := *n.Holdoff
		clone.Holdoff = &h
	}
	return clone
}

// Draft is the caller-supplied shape for Create; the store assigns id,
// created, updated, state and result.
type Draft struct {
	Kind       string
	Name       string
	Parent     string
	Group      string
	Data       json.RawMessage
	Artifacts  map[string]string
	UserGroups []string
	Timeout    *time.Time
	Holdoff    *time.Time
}

// Patch is a partial document for Update; nil fields are left unchanged.
// id, created, kind, path and parent can never be patched (spec §4.5).
type Patch struct {
	Name       *string
	Group      *string
	State      *State
	Result     *Result
	Data       json.RawMessage
	Artifacts  map[string]string
	UserGroups []string
	Holdoff    *time.Time
	Timeout    *time.Time
}

// transitionEdges enumerates the legal (from, to) pairs of spec §4.6.
// A node may also be "updated" without a state change, which IsValidTransition
// always allows.
var transitionEdges = map[State]map[State]bool{
	StateRunning:   {StateAvailable: true, StateDone: true},
	StateAvailable: {StateClosing: true, StateDone: true},
	StateClosing:   {StateDone: true},
	StateDone:      {},
}

// IsValidTransition reports whether moving from `from` to `to` is legal.
func IsValidTransition(from, to State) bool {
	if from == to {
		return true
	}
	edges, ok := transitionEdges[from]
	if !ok {
		return false
	}
	return edges[to]
}
