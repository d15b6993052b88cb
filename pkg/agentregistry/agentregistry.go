// Package agentregistry is the cluster-wide RemoteAgentRegistry (spec §4.3):
// a directory of advertised agents maintained over the event bus, with
// candidate selection by largest product of matching-agent-count x
// pending-chain-count, and advisory lease tracking for allocate/release.
// It holds no storage of its own — presence lives only as long as the node
// keeps publishing, the same "no durable membership, just a live directory"
// shape the teacher's registry uses for its in-process tool map
// (pkg/mcp/app/registry/registry.go), generalized from local tools to
// remote agents reached over eventbus.Bus.
package agentregistry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/steep-wms/steep/pkg/eventbus"
	"github.com/steep-wms/steep/pkg/metrics"
	"github.com/steep-wms/steep/pkg/model"
)

// Demand is one (requiredCapabilities, pendingCount) pair the Scheduler
// reports when asking for candidates.
type Demand struct {
	RequiredCapabilities []string
	Count                int
}

// Candidate is one agent eligible to serve the winning Demand.
type Candidate struct {
	Capabilities []string
	AgentAddress string

	// RequiredCapabilities is the winning Demand's requirement, i.e. the
	// chain-tagging capability set this candidate was selected to serve.
	// It may be a strict subset of Capabilities: an agent can legitimately
	// advertise more than a chain requires (model.AgentRecord.HasCapabilities
	// is a superset check), so callers that need to look the chain back up
	// by capability key must use this field, not Capabilities.
	RequiredCapabilities []string
}

// Registry tracks advertised agents and brokers allocation over bus.
type Registry struct {
	bus     eventbus.Bus
	metrics *metrics.Collector
	log     zerolog.Logger

	busyTimeout time.Duration
	idleTimeout time.Duration

	mu     sync.RWMutex
	agents map[string]*model.AgentRecord

	unsubAdded func()
	unsubLeft  func()
}

// New creates a Registry listening for presence announcements on bus.
func New(bus eventbus.Bus, mcs *metrics.Collector, busyTimeout, idleTimeout time.Duration, log zerolog.Logger) *Registry {
	r := &Registry{
		bus:         bus,
		metrics:     mcs,
		log:         log.With().Str("component", "agentregistry").Logger(),
		busyTimeout: busyTimeout,
		idleTimeout: idleTimeout,
		agents:      make(map[string]*model.AgentRecord),
	}
	r.unsubAdded = bus.Subscribe(eventbus.NodeAddedAddress, r.onNodeAdded)
	r.unsubLeft = bus.Subscribe(eventbus.NodeLeftAddress, r.onNodeLeft)
	return r
}

// Close stops listening for presence announcements.
func (r *Registry) Close() {
	r.unsubAdded()
	r.unsubLeft()
}

func (r *Registry) onNodeAdded(_ context.Context, msg eventbus.Message) (eventbus.Message, error) {
	id, _ := msg["agentId"].(string)
	if id == "" {
		return nil, nil
	}
	caps := toStringSlice(msg["capabilities"])

	r.mu.Lock()
	r.agents[id] = &model.AgentRecord{Address: id, Capabilities: caps, LastSeen: time.Now()}
	count := len(r.agents)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveAgents.Set(float64(count))
	}
	r.log.Info().Str("agent", id).Strs("capabilities", caps).Msg("agent joined")
	return nil, nil
}

func (r *Registry) onNodeLeft(_ context.Context, msg eventbus.Message) (eventbus.Message, error) {
	id, _ := msg["agentId"].(string)
	if id == "" {
		return nil, nil
	}

	r.mu.Lock()
	delete(r.agents, id)
	count := len(r.agents)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveAgents.Set(float64(count))
	}
	r.log.Info().Str("agent", id).Msg("agent left")
	return nil, nil
}

func toStringSlice(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		if s, ok := v.([]string); ok {
			return s
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) isAvailableLocked(rec *model.AgentRecord, now time.Time) bool {
	if !rec.Busy {
		return true
	}
	return rec.LeaseUntil != nil && rec.LeaseUntil.Before(now)
}

// SelectCandidates picks the single best Demand entry (largest product of
// matching available agents x pending count, ties broken by higher count
// then lexicographically-smallest capability key) and returns every
// available agent that satisfies it, sorted by address for determinism
// (spec §4.3 "Candidate selection").
func (r *Registry) SelectCandidates(demands []Demand) []Candidate {
	if len(demands) == 0 {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	now := time.Now()

	var best *scored
	for _, d := range demands {
		var matches []*model.AgentRecord
		for _, rec := range r.agents {
			if !r.isAvailableLocked(rec, now) {
				continue
			}
			if rec.HasCapabilities(d.RequiredCapabilities) {
				matches = append(matches, rec)
			}
		}
		if len(matches) == 0 {
			continue
		}
		cand := &scored{demand: d, matches: matches, product: len(matches) * d.Count, key: model.CapabilityKey(d.RequiredCapabilities)}
		if best == nil || isBetter(cand, best) {
			best = cand
		}
	}
	if best == nil {
		return nil
	}

	sort.Slice(best.matches, func(i, j int) bool { return best.matches[i].Address < best.matches[j].Address })
	out := make([]Candidate, len(best.matches))
	for i, rec := range best.matches {
		out[i] = Candidate{Capabilities: rec.Capabilities, AgentAddress: rec.Address, RequiredCapabilities: best.demand.RequiredCapabilities}
	}
	return out
}

type scored struct {
	demand  Demand
	matches []*model.AgentRecord
	product int
	key     string
}

func isBetter(a, b *scored) bool {
	if a.product != b.product {
		return a.product > b.product
	}
	if a.demand.Count != b.demand.Count {
		return a.demand.Count > b.demand.Count
	}
	return a.key < b.key
}

// TryAllocate sends an allocate request to address and, on a positive
// reply, marks the agent busy with a lease that expires after busyTimeout
// unless released or renewed first (spec §4.3 "Allocation"). Returns false,
// nil on a negative reply or a request timeout ("no agent" is not an
// error).
func (r *Registry) TryAllocate(ctx context.Context, address string) (bool, error) {
	reply, err := r.bus.Send(ctx, eventbus.AgentAddress(address), eventbus.Message{"action": eventbus.ActionAllocate})
	if err != nil {
		if r.metrics != nil {
			r.metrics.AllocationMiss.Inc()
		}
		if err == eventbus.ErrTimeout || err == eventbus.ErrNoHandler {
			return false, nil
		}
		return false, err
	}

	ok, _ := reply["allocated"].(bool)
	if !ok {
		if r.metrics != nil {
			r.metrics.AllocationMiss.Inc()
		}
		return false, nil
	}

	lease := time.Now().Add(r.busyTimeout)
	r.mu.Lock()
	if rec, exists := r.agents[address]; exists {
		rec.Busy = true
		rec.LeaseUntil = &lease
		rec.LastProcessChainAt = time.Now()
	}
	r.mu.Unlock()
	return true, nil
}

// Release marks address idle again on normal chain completion (spec §4.3
// "Deallocation"). The agent is available to SelectCandidates at once;
// LeaseUntil is set to now plus idleTimeout, but a lease only affects
// availability while Busy is set.
func (r *Registry) Release(address string) {
	lease := time.Now().Add(r.idleTimeout)
	r.mu.Lock()
	if rec, exists := r.agents[address]; exists {
		rec.Busy = false
		rec.LeaseUntil = &lease
	}
	r.mu.Unlock()
}

// Snapshot returns a copy of every currently-known agent, for diagnostics.
func (r *Registry) Snapshot() []model.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.AgentRecord, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
