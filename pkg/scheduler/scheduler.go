// Package scheduler is the Scheduler component (spec §4.5): it watches
// REGISTERED process chains, asks the RemoteAgentRegistry for candidates
// grouped by required capabilities, and dispatches one chain per available
// agent over the event bus. It holds no storage of its own beyond the
// single in-flight-dispatch bookkeeping the backpressure rule requires, the
// same shape as the teacher's worker service (pkg/core/worker/service.go)
// generalized from a ticker-driven local job runner to a ticker-and-bus
// driven cluster dispatcher.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/steep-wms/steep/pkg/agentregistry"
	"github.com/steep-wms/steep/pkg/domainerrors"
	"github.com/steep-wms/steep/pkg/eventbus"
	"github.com/steep-wms/steep/pkg/metrics"
	"github.com/steep-wms/steep/pkg/model"
	"github.com/steep-wms/steep/pkg/registry"
)

// Scheduler runs the periodic-tick-plus-bus-trigger dispatch loop.
type Scheduler struct {
	reg      registry.SubmissionRegistry
	agents   *agentregistry.Registry
	bus      eventbus.Bus
	mcs      *metrics.Collector
	log      zerolog.Logger
	interval time.Duration

	mu       sync.Mutex
	inflight map[string]bool // agent address -> dispatch outstanding
	eg       errgroup.Group  // outstanding dispatchOne goroutines, drained on shutdown
}

// New constructs a Scheduler. interval <= 0 falls back to the spec default
// of 20s.
func New(reg registry.SubmissionRegistry, agents *agentregistry.Registry, bus eventbus.Bus, mcs *metrics.Collector, interval time.Duration, log zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 20 * time.Second
	}
	return &Scheduler{
		reg:      reg,
		agents:   agents,
		bus:      bus,
		mcs:      mcs,
		log:      log.With().Str("component", "scheduler").Logger(),
		interval: interval,
		inflight: make(map[string]bool),
	}
}

// Run drives the dispatch loop until ctx is cancelled. It blocks; call it
// from its own goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	unsub := s.bus.Subscribe(eventbus.ChainRegisteredAddress, func(_ context.Context, _ eventbus.Message) (eventbus.Message, error) {
		s.tick(ctx)
		return nil, nil
	})
	defer unsub()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.interval).Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopped")
			s.eg.Wait() //nolint:errcheck // dispatchOne never returns an error; outcomes are persisted directly
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one scheduling pass: group REGISTERED chains by capability key,
// select candidates for the single best-scoring group, and dispatch to
// every idle candidate agent not already carrying an in-flight chain (spec
// §4.5 steps 1-4).
func (s *Scheduler) tick(ctx context.Context) {
	chains, err := s.reg.FindProcessChainsByStatus(ctx, model.ChainRegistered)
	if err != nil {
		s.log.Warn().Err(err).Msg("fetch registered chains")
		return
	}
	if len(chains) == 0 {
		return
	}
	if s.mcs != nil {
		s.mcs.RegisteredChains.Set(float64(len(chains)))
	}

	groups := groupByCapabilityKey(chains)
	demands := make([]agentregistry.Demand, 0, len(groups))
	for _, group := range groups {
		demands = append(demands, agentregistry.Demand{
			RequiredCapabilities: group[0].RequiredCapabilities,
			Count:                len(group),
		})
	}

	candidates := s.agents.SelectCandidates(demands)
	for _, c := range candidates {
		s.mu.Lock()
		busy := s.inflight[c.AgentAddress]
		if !busy {
			s.inflight[c.AgentAddress] = true
		}
		s.mu.Unlock()
		if busy {
			continue
		}

		c := c
		s.eg.Go(func() error {
			defer func() {
				s.mu.Lock()
				delete(s.inflight, c.AgentAddress)
				s.mu.Unlock()
			}()
			s.dispatchOne(ctx, c)
			return nil
		})
	}
}

// dispatchOne allocates the candidate, fetches one matching chain only once
// allocation succeeds (spec §4.5 step 4: a failed allocation never claims a
// chain), dispatches it, and records the outcome.
func (s *Scheduler) dispatchOne(ctx context.Context, c agentregistry.Candidate) {
	allocated, err := s.agents.TryAllocate(ctx, c.AgentAddress)
	if err != nil {
		s.log.Warn().Err(err).Str("agent", c.AgentAddress).Msg("tryAllocate failed")
		return
	}
	if !allocated {
		return
	}

	chain, err := s.reg.FetchNextProcessChain(ctx, model.ChainRegistered, model.ChainRunning, []string{model.CapabilityKey(c.RequiredCapabilities)})
	if err != nil {
		s.log.Warn().Err(err).Str("agent", c.AgentAddress).Msg("fetchNext failed")
		s.agents.Release(c.AgentAddress)
		return
	}
	if chain == nil {
		s.agents.Release(c.AgentAddress)
		return
	}

	if err := s.reg.SetProcessChainAgent(ctx, chain.ID, c.AgentAddress); err != nil {
		s.log.Warn().Err(err).Str("chain", chain.ID).Msg("setProcessChainAgent failed")
	}
	startedAt := time.Now()
	if err := s.reg.SetProcessChainStartTime(ctx, chain.ID, startedAt); err != nil {
		s.log.Warn().Err(err).Str("chain", chain.ID).Msg("setProcessChainStartTime failed")
	}

	s.log.Info().Str("chain", chain.ID).Str("agent", c.AgentAddress).Msg("dispatching process chain")

	reply, err := s.bus.Send(ctx, eventbus.AgentAddress(c.AgentAddress), eventbus.Message{"action": eventbus.ActionExecute, "chain": chain})
	s.agents.Release(c.AgentAddress)
	endedAt := time.Now()

	if err != nil {
		s.recordError(ctx, chain.ID, domainerrors.New().Kind(domainerrors.KindCluster).Code(domainerrors.CodeClusterTimeout).
			Messagef("execute request to %s: %v", c.AgentAddress, err).Build(), endedAt)
		return
	}

	if msg, hasError := reply["error"]; hasError {
		s.recordReplyError(ctx, chain.ID, msg, reply, endedAt)
		return
	}

	results := asStringListMap(reply["results"])
	if err := s.reg.SetProcessChainResults(ctx, chain.ID, results); err != nil {
		s.log.Warn().Err(err).Str("chain", chain.ID).Msg("setProcessChainResults failed")
	}
	if err := s.reg.SetProcessChainEndTime(ctx, chain.ID, endedAt); err != nil {
		s.log.Warn().Err(err).Str("chain", chain.ID).Msg("setProcessChainEndTime failed")
	}
	status := model.ChainSuccess
	if swapped, err := s.reg.CompareAndSwapProcessChainStatus(ctx, chain.ID, model.ChainRunning, status); err != nil || !swapped {
		s.log.Warn().Err(err).Str("chain", chain.ID).Msg("status swap from RUNNING failed")
	}
	if s.mcs != nil {
		s.mcs.ChainTotal.WithLabelValues(string(status)).Inc()
		s.mcs.ChainDuration.WithLabelValues(string(status)).Observe(endedAt.Sub(startedAt).Seconds())
	}
	s.bus.Publish(eventbus.ChainCompletedAddress, eventbus.Message{"processChainId": chain.ID, "submissionId": chain.SubmissionID, "status": string(status)})
}

func (s *Scheduler) recordReplyError(ctx context.Context, chainID string, rawMsg interface{}, reply eventbus.Message, endedAt time.Time) {
	msg, _ := rawMsg.(string)
	kind, _ := reply["kind"].(string)
	status := model.ChainError
	if kind == string(domainerrors.KindCancelled) {
		status = model.ChainCancelled
	}

	errorMessage := msg
	if exitCode, ok := asExitCode(reply["exitCode"]); ok {
		lastOutput, _ := reply["lastOutput"].(string)
		errorMessage = (&domainerrors.Error{Message: msg, ExitCode: &exitCode, LastOutput: lastOutput}).ExecutionMessage()
	}

	s.finish(ctx, chainID, status, errorMessage, endedAt)
}

func (s *Scheduler) recordError(ctx context.Context, chainID string, err *domainerrors.Error, endedAt time.Time) {
	s.finish(ctx, chainID, model.ChainError, err.Message, endedAt)
}

// asExitCode accepts both a native int (in-process inmembus replies, never
// serialized) and a float64 (natsbus replies, round-tripped through JSON).
func asExitCode(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// asStringListMap accepts both the native map[string][]string an inmembus
// reply carries by reference and the map[string]interface{} of
// []interface{} a natsbus reply decodes JSON into.
func asStringListMap(v interface{}) map[string][]string {
	if m, ok := v.(map[string][]string); ok {
		return m
	}
	raw, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string][]string, len(raw))
	for k, lv := range raw {
		list, ok := lv.([]interface{})
		if !ok {
			continue
		}
		strs := make([]string, 0, len(list))
		for _, e := range list {
			if s, ok := e.(string); ok {
				strs = append(strs, s)
			}
		}
		out[k] = strs
	}
	return out
}

func (s *Scheduler) finish(ctx context.Context, chainID string, status model.ProcessChainStatus, errorMessage string, endedAt time.Time) {
	if errorMessage != "" {
		if err := s.reg.SetProcessChainErrorMessage(ctx, chainID, errorMessage); err != nil {
			s.log.Warn().Err(err).Str("chain", chainID).Msg("setProcessChainErrorMessage failed")
		}
	}
	if err := s.reg.SetProcessChainEndTime(ctx, chainID, endedAt); err != nil {
		s.log.Warn().Err(err).Str("chain", chainID).Msg("setProcessChainEndTime failed")
	}
	if swapped, err := s.reg.CompareAndSwapProcessChainStatus(ctx, chainID, model.ChainRunning, status); err != nil || !swapped {
		s.log.Warn().Err(err).Str("chain", chainID).Msg("status swap from RUNNING failed")
		return
	}
	if s.mcs != nil {
		s.mcs.ChainTotal.WithLabelValues(string(status)).Inc()
	}
	s.bus.Publish(eventbus.ChainCompletedAddress, eventbus.Message{"processChainId": chainID, "status": string(status)})
	s.log.Warn().Str("chain", chainID).Str("status", string(status)).Str("error", errorMessage).Msg("process chain finished with an error")
}

func groupByCapabilityKey(chains []*model.ProcessChain) map[string][]*model.ProcessChain {
	groups := make(map[string][]*model.ProcessChain)
	for _, c := range chains {
		key := c.CapabilityKey()
		groups[key] = append(groups[key], c)
	}
	return groups
}
