// Package model defines the data model shared by the rule engine,
// scheduler, registry, and executor: variables, executables, process
// chains, workflows, and submissions (spec §3).
package model

import "time"

// ArgumentType distinguishes how an Argument binds to an Executable's
// invocation.
type ArgumentType string

const (
	ArgInput    ArgumentType = "INPUT"
	ArgOutput   ArgumentType = "OUTPUT"
	ArgArgument ArgumentType = "ARGUMENT"
)

// Variable is an identity plus an optional, once-assigned value. A value is
// a scalar, a file path, or a list (for for-each expansion results).
type Variable struct {
	ID    string      `json:"id"`
	Value interface{} `json:"value,omitempty"`
}

// Argument binds a Variable to one position of an Executable's invocation.
// Value carries the variable's already-known literal (for an INPUT or
// ARGUMENT binding resolved from a prior Decompose call's known values); it
// is nil when Variable instead names an OUTPUT produced earlier in this
// same chain, which the agent resolves to a path at execution time rather
// than a value carried on the wire.
type Argument struct {
	Label    string       `json:"label,omitempty"`
	Variable string       `json:"variable"`
	Type     ArgumentType `json:"type"`
	DataType string       `json:"dataType"`
	Value    interface{}  `json:"value,omitempty"`
}

// Executable is one external command invocation within a process chain.
type Executable struct {
	Path      string     `json:"path"`
	Args      []Argument `json:"args"`
	Runtime   string     `json:"runtime"`
	ServiceID string     `json:"serviceId"`
	Retries   *RetryPolicy `json:"retries,omitempty"`
}

// RetryPolicy controls per-executable retry (spec §4.4).
type RetryPolicy struct {
	MaxAttempts        int           `json:"maxAttempts"`
	Delay              time.Duration `json:"delay"`
	ExponentialBackoff bool          `json:"exponentialBackoff"`
	RetryOn            []string      `json:"retryOn,omitempty"`
}

// DefaultRetryPolicy is "single attempt" per spec §4.4 step 4.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// ProcessChainStatus is the lifecycle of a process chain (spec §3).
type ProcessChainStatus string

const (
	ChainRegistered ProcessChainStatus = "REGISTERED"
	ChainRunning    ProcessChainStatus = "RUNNING"
	ChainSuccess    ProcessChainStatus = "SUCCESS"
	ChainError      ProcessChainStatus = "ERROR"
	ChainCancelled  ProcessChainStatus = "CANCELLED"
)

// IsTerminal reports whether status is a final state (spec §3 invariant 1).
func (s ProcessChainStatus) IsTerminal() bool {
	switch s {
	case ChainSuccess, ChainError, ChainCancelled:
		return true
	default:
		return false
	}
}

// ProcessChain is the unit of scheduling: a linear sequence of executables
// sharing capability requirements (spec §3).
type ProcessChain struct {
	ID                   string             `json:"id"`
	SubmissionID         string             `json:"submissionId"`
	Executables          []Executable       `json:"executables"`
	RequiredCapabilities []string           `json:"requiredCapabilities"`
	Status               ProcessChainStatus `json:"status"`
	Agent                string             `json:"agent,omitempty"`
	StartTime            *time.Time         `json:"startTime,omitempty"`
	EndTime              *time.Time         `json:"endTime,omitempty"`
	Results              map[string][]string `json:"results,omitempty"`
	ErrorMessage         string             `json:"errorMessage,omitempty"`
	Sequence             int64              `json:"sequence"`
}

// CapabilityKey renders RequiredCapabilities as a deterministic, sorted,
// comma-joined string so it can be used as a map key (spec §4.1 step 4).
func (pc *ProcessChain) CapabilityKey() string {
	return CapabilityKey(pc.RequiredCapabilities)
}

// ActionKind distinguishes the two action shapes a Workflow can contain.
type ActionKind string

const (
	ActionExecute ActionKind = "execute"
	ActionForEach ActionKind = "for-each"
)

// Binding maps a service parameter name to a variable id.
type Binding struct {
	Parameter string `json:"parameter"`
	Variable  string `json:"variable"`
	Type      ArgumentType `json:"type"`
}

// Action is either an execute-action or a for-each-action (spec §3).
type Action struct {
	Kind ActionKind `json:"kind"`

	// execute-action fields
	ServiceID string    `json:"serviceId,omitempty"`
	Bindings  []Binding `json:"bindings,omitempty"`

	// for-each-action fields
	Input              string   `json:"input,omitempty"`
	IterationVariable  string   `json:"iterationVariable,omitempty"`
	Actions            []Action `json:"actions,omitempty"`
	Output             string   `json:"output,omitempty"`
	YieldTarget        string   `json:"yieldTarget,omitempty"`
}

// Workflow is an ordered list of actions over typed variables (spec §3).
// Variables declares every variable the workflow's actions reference;
// entries with a non-nil Value are literal inputs known before any
// executable runs, everything else is produced by some action's OUTPUT
// binding during decomposition.
type Workflow struct {
	Variables []Variable `json:"variables,omitempty"`
	Actions   []Action   `json:"actions"`
}

// SubmissionStatus is the lifecycle of a Submission (spec §3).
type SubmissionStatus string

const (
	SubmissionAccepted       SubmissionStatus = "ACCEPTED"
	SubmissionRunning        SubmissionStatus = "RUNNING"
	SubmissionCancelled      SubmissionStatus = "CANCELLED"
	SubmissionSuccess        SubmissionStatus = "SUCCESS"
	SubmissionPartialSuccess SubmissionStatus = "PARTIAL_SUCCESS"
	SubmissionError          SubmissionStatus = "ERROR"
)

// IsTerminal reports whether status is a final submission state.
func (s SubmissionStatus) IsTerminal() bool {
	switch s {
	case SubmissionSuccess, SubmissionPartialSuccess, SubmissionError, SubmissionCancelled:
		return true
	default:
		return false
	}
}

// Submission is a single user-submitted workflow and its lifecycle record.
type Submission struct {
	ID              string                 `json:"id"`
	Workflow        Workflow               `json:"workflow"`
	Status          SubmissionStatus       `json:"status"`
	StartTime       *time.Time             `json:"startTime,omitempty"`
	EndTime         *time.Time             `json:"endTime,omitempty"`
	Results         map[string][]string    `json:"results,omitempty"`
	ErrorMessage    string                 `json:"errorMessage,omitempty"`
	ExecutionState  map[string]interface{} `json:"executionState,omitempty"`
}

// AgentRecord is the cluster-wide, in-memory view of one remote agent
// (spec §3).
type AgentRecord struct {
	Address             string    `json:"address"`
	Capabilities        []string  `json:"capabilities"`
	Busy                bool      `json:"busy"`
	LastSeen            time.Time `json:"lastSeen"`
	LastProcessChainAt  time.Time `json:"lastProcessChainAt,omitempty"`
	LeaseUntil          *time.Time `json:"leaseUntil,omitempty"`
}

// HasCapabilities reports whether the agent advertises every capability in
// required (set inclusion, spec §4.3).
func (a *AgentRecord) HasCapabilities(required []string) bool {
	have := make(map[string]struct{}, len(a.Capabilities))
	for _, c := range a.Capabilities {
		have[c] = struct{}{}
	}
	for _, c := range required {
		if _, ok := have[c]; !ok {
			return false
		}
	}
	return true
}
