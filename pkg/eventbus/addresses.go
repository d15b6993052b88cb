package eventbus

// Stable address names from spec §6. AgentAddress is parameterized by the
// agent's configured id; the rest are fixed.
const (
	ProgressAddress        = "processchain.progress"
	NodeAddedAddress       = "cluster.node.added"
	NodeLeftAddress        = "cluster.node.left"
	SubmissionAddedAddress = "submissionRegistry.submissionAdded"
	// ChainRegisteredAddress is published whenever the controller persists
	// one or more new REGISTERED chains, so the scheduler can dispatch
	// immediately instead of waiting for its next periodic tick.
	ChainRegisteredAddress = "submissionRegistry.processChainRegistered"
	// ChainCompletedAddress is published whenever a process chain reaches a
	// terminal status, so the controller can re-invoke decomposition without
	// polling.
	ChainCompletedAddress = "submissionRegistry.processChainCompleted"
)

// AgentAddress returns the request/reply address a LocalAgent with the
// given id registers its handler on.
func AgentAddress(agentID string) string {
	return "agent." + agentID
}

// Actions a message sent to an AgentAddress carries in its "action" field.
const (
	ActionAllocate    = "allocate"
	ActionExecute     = "execute"
	ActionCancel      = "cancel"
	ActionGetProgress = "getProgress"
)
