// Package controller is the Controller component (spec §4.6): it claims
// ACCEPTED submissions, drives their workflow through the rule engine as
// process chains become producible, finalizes submission status once the
// engine reports "done" and every chain is terminal, and runs the orphan
// scan that is the system's sole recovery path for a crashed agent. Like
// pkg/scheduler it is a ticker-driven single-threaded loop, the same shape
// as the teacher's worker service (pkg/core/worker/service.go) generalized
// to advance submissions instead of polling local health checks.
package controller

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/steep-wms/steep/pkg/agentregistry"
	"github.com/steep-wms/steep/pkg/eventbus"
	"github.com/steep-wms/steep/pkg/metrics"
	"github.com/steep-wms/steep/pkg/model"
	"github.com/steep-wms/steep/pkg/registry"
	"github.com/steep-wms/steep/pkg/ruleengine"
)

// Controller advances submissions and reclaims orphaned process chains.
type Controller struct {
	reg    registry.SubmissionRegistry
	agents *agentregistry.Registry
	engine *ruleengine.Engine
	bus    eventbus.Bus
	mcs    *metrics.Collector
	log    zerolog.Logger

	interval           time.Duration
	orphanScanInterval time.Duration
}

// New constructs a Controller. Either interval <= 0 falls back to spec
// defaults (2s advance tick, 5min orphan scan).
func New(reg registry.SubmissionRegistry, agents *agentregistry.Registry, engine *ruleengine.Engine, bus eventbus.Bus, mcs *metrics.Collector, interval, orphanScanInterval time.Duration, log zerolog.Logger) *Controller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if orphanScanInterval <= 0 {
		orphanScanInterval = 5 * time.Minute
	}
	return &Controller{
		reg:                reg,
		agents:             agents,
		engine:             engine,
		bus:                bus,
		mcs:                mcs,
		log:                log.With().Str("component", "controller").Logger(),
		interval:           interval,
		orphanScanInterval: orphanScanInterval,
	}
}

// Run drives both the advance loop and the orphan scan until ctx is
// cancelled. It blocks; call it from its own goroutine.
func (c *Controller) Run(ctx context.Context) {
	unsub := c.bus.Subscribe(eventbus.ChainCompletedAddress, func(_ context.Context, msg eventbus.Message) (eventbus.Message, error) {
		c.advance(ctx)
		return nil, nil
	})
	defer unsub()

	advanceTicker := time.NewTicker(c.interval)
	defer advanceTicker.Stop()
	orphanTicker := time.NewTicker(c.orphanScanInterval)
	defer orphanTicker.Stop()

	c.log.Info().Dur("interval", c.interval).Dur("orphanScanInterval", c.orphanScanInterval).Msg("controller started")
	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("controller stopped")
			return
		case <-advanceTicker.C:
			c.advance(ctx)
		case <-orphanTicker.C:
			c.scanOrphans(ctx)
		}
	}
}

// advance claims every currently-ACCEPTED submission, then re-decomposes
// every submission currently RUNNING (spec §4.6). Re-deriving the RUNNING
// set from the registry on every tick, rather than tracking it locally,
// is what lets decomposition resume correctly after a controller restart:
// a freshly started controller has no local memory, only each
// submission's persisted executionState.
func (c *Controller) advance(ctx context.Context) {
	for {
		sub, err := c.reg.FetchNextSubmission(ctx, model.SubmissionAccepted, model.SubmissionRunning)
		if err != nil {
			c.log.Warn().Err(err).Msg("fetchNextSubmission failed")
			return
		}
		if sub == nil {
			break
		}
		if err := c.reg.SetSubmissionStartTime(ctx, sub.ID, time.Now()); err != nil {
			c.log.Warn().Err(err).Str("submission", sub.ID).Msg("setSubmissionStartTime failed")
		}
		c.log.Info().Str("submission", sub.ID).Msg("submission accepted for decomposition")
	}

	running, err := c.reg.FindSubmissionsByStatus(ctx, model.SubmissionRunning)
	if err != nil {
		c.log.Warn().Err(err).Msg("findSubmissionsByStatus(RUNNING) failed")
		return
	}
	for _, sub := range running {
		c.processSubmission(ctx, sub.ID)
	}
}

func (c *Controller) processSubmission(ctx context.Context, id string) {
	sub, err := c.reg.FindSubmissionByID(ctx, id)
	if err != nil {
		c.log.Warn().Err(err).Str("submission", id).Msg("findSubmissionById failed")
		return
	}
	if sub.Status != model.SubmissionRunning {
		return
	}

	chains, err := c.reg.FindProcessChainsBySubmission(ctx, id)
	if err != nil {
		c.log.Warn().Err(err).Str("submission", id).Msg("findProcessChainsBySubmission failed")
		return
	}

	state, err := loadState(sub.ExecutionState)
	if err != nil {
		c.log.Warn().Err(err).Str("submission", id).Msg("decode execution state failed")
		return
	}
	values := knownValues(sub.Workflow, chains)

	result, err := c.engine.Decompose(sub.Workflow, values, state)
	if err != nil {
		c.log.Warn().Err(err).Str("submission", id).Msg("decompose failed")
		if setErr := c.reg.SetSubmissionErrorMessage(ctx, id, err.Error()); setErr != nil {
			c.log.Warn().Err(setErr).Str("submission", id).Msg("setSubmissionErrorMessage failed")
		}
		if setErr := c.reg.SetSubmissionEndTime(ctx, id, time.Now()); setErr != nil {
			c.log.Warn().Err(setErr).Str("submission", id).Msg("setSubmissionEndTime failed")
		}
		if setErr := c.reg.SetSubmissionStatus(ctx, id, model.SubmissionError); setErr != nil {
			c.log.Warn().Err(setErr).Str("submission", id).Msg("setSubmissionStatus failed")
		}
		return
	}

	if len(result.Chains) > 0 {
		toAdd := make([]*model.ProcessChain, len(result.Chains))
		for i := range result.Chains {
			result.Chains[i].ID = uuid.NewString()
			result.Chains[i].SubmissionID = id
			toAdd[i] = &result.Chains[i]
		}
		if err := c.reg.AddProcessChains(ctx, toAdd); err != nil {
			c.log.Warn().Err(err).Str("submission", id).Msg("addProcessChains failed")
			return
		}
		c.log.Info().Str("submission", id).Int("chains", len(toAdd)).Msg("new process chains registered")
		if c.mcs != nil {
			c.mcs.RegisteredChains.Add(float64(len(toAdd)))
		}
		c.bus.Publish(eventbus.ChainRegisteredAddress, eventbus.Message{"submissionId": id, "count": len(toAdd)})
		chains = append(chains, toAdd...)
	}

	stateMap, err := dumpState(result.State)
	if err != nil {
		c.log.Warn().Err(err).Str("submission", id).Msg("encode execution state failed")
	} else if err := c.reg.SetSubmissionExecutionState(ctx, id, stateMap); err != nil {
		c.log.Warn().Err(err).Str("submission", id).Msg("setSubmissionExecutionState failed")
	}

	if !result.Done || !allTerminal(chains) {
		return
	}

	c.finalize(ctx, id, chains)
}

// finalize computes the submission's terminal status from its chains' own
// terminal statuses (spec §3, resolved PARTIAL_SUCCESS rule) and writes the
// aggregated results.
func (c *Controller) finalize(ctx context.Context, id string, chains []*model.ProcessChain) {
	status := statusForChains(chains)
	results := aggregateResults(chains)

	if err := c.reg.SetSubmissionResults(ctx, id, results); err != nil {
		c.log.Warn().Err(err).Str("submission", id).Msg("setSubmissionResults failed")
	}
	if err := c.reg.SetSubmissionEndTime(ctx, id, time.Now()); err != nil {
		c.log.Warn().Err(err).Str("submission", id).Msg("setSubmissionEndTime failed")
	}
	if err := c.reg.SetSubmissionStatus(ctx, id, status); err != nil {
		c.log.Warn().Err(err).Str("submission", id).Msg("setSubmissionStatus failed")
		return
	}
	c.log.Info().Str("submission", id).Str("status", string(status)).Msg("submission finished")
}

// Cancel implements submission cancellation (spec §5 "Cancellation"): it
// atomically moves the submission to CANCELLED, bulk-cancels every chain
// still REGISTERED, and sends cancel to every RUNNING chain's owning agent.
func (c *Controller) Cancel(ctx context.Context, id string) error {
	if err := c.reg.SetSubmissionStatus(ctx, id, model.SubmissionCancelled); err != nil {
		return err
	}
	if _, err := c.reg.SetAllProcessChainStatusBySubmission(ctx, id, model.ChainRegistered, model.ChainCancelled); err != nil {
		return err
	}

	chains, err := c.reg.FindProcessChainsBySubmission(ctx, id)
	if err != nil {
		return err
	}
	for _, chain := range chains {
		if chain.Status != model.ChainRunning || chain.Agent == "" {
			continue
		}
		reqCtx, cancel := context.WithTimeout(ctx, eventbus.DefaultRequestTimeout)
		_, sendErr := c.bus.Send(reqCtx, eventbus.AgentAddress(chain.Agent), eventbus.Message{"action": eventbus.ActionCancel})
		cancel()
		if sendErr != nil {
			c.log.Warn().Err(sendErr).Str("chain", chain.ID).Str("agent", chain.Agent).Msg("cancel request failed")
		}
	}

	if err := c.reg.SetSubmissionEndTime(ctx, id, time.Now()); err != nil {
		c.log.Warn().Err(err).Str("submission", id).Msg("setSubmissionEndTime failed")
	}
	return nil
}

// scanOrphans resets every RUNNING chain whose owning agent is no longer
// advertised in the cluster back to REGISTERED, via CAS (spec §4.6
// "Orphan scan"). This is the system's sole recovery mechanism for a
// crashed node.
func (c *Controller) scanOrphans(ctx context.Context) {
	running, err := c.reg.FindProcessChainsByStatus(ctx, model.ChainRunning)
	if err != nil {
		c.log.Warn().Err(err).Msg("findProcessChainsByStatus(RUNNING) failed")
		return
	}
	if len(running) == 0 {
		return
	}

	live := make(map[string]struct{})
	for _, rec := range c.agents.Snapshot() {
		live[rec.Address] = struct{}{}
	}

	for _, chain := range running {
		if chain.Agent == "" {
			continue
		}
		if _, ok := live[chain.Agent]; ok {
			continue
		}
		ok, err := c.reg.CompareAndSwapProcessChainStatus(ctx, chain.ID, model.ChainRunning, model.ChainRegistered)
		if err != nil {
			c.log.Warn().Err(err).Str("chain", chain.ID).Msg("orphan reclaim CAS failed")
			continue
		}
		if ok {
			c.log.Warn().Str("chain", chain.ID).Str("agent", chain.Agent).Msg("reclaimed orphaned process chain")
			if c.mcs != nil {
				c.mcs.OrphansReclaimed.Inc()
			}
		}
	}
}

// statusForChains applies the resolved PARTIAL_SUCCESS rule (spec §9 Open
// Question 1, SPEC_FULL.md §9): all-SUCCESS (vacuously true for zero
// chains) is SUCCESS; any SUCCESS alongside any ERROR/CANCELLED is
// PARTIAL_SUCCESS; all-CANCELLED with no successes is CANCELLED; any ERROR
// with no successes is ERROR.
func statusForChains(chains []*model.ProcessChain) model.SubmissionStatus {
	successes, errors, cancellations := 0, 0, 0
	for _, c := range chains {
		switch c.Status {
		case model.ChainSuccess:
			successes++
		case model.ChainError:
			errors++
		case model.ChainCancelled:
			cancellations++
		}
	}

	switch {
	case successes > 0 && (errors > 0 || cancellations > 0):
		return model.SubmissionPartialSuccess
	case successes > 0:
		return model.SubmissionSuccess
	case errors > 0:
		return model.SubmissionError
	case cancellations > 0:
		return model.SubmissionCancelled
	default:
		return model.SubmissionSuccess
	}
}

// aggregateResults unions every SUCCESS chain's output variables into the
// submission's results map.
func aggregateResults(chains []*model.ProcessChain) map[string][]string {
	out := make(map[string][]string)
	for _, chain := range chains {
		if chain.Status != model.ChainSuccess {
			continue
		}
		for k, v := range chain.Results {
			out[k] = append(out[k], v...)
		}
	}
	return out
}

func allTerminal(chains []*model.ProcessChain) bool {
	for _, c := range chains {
		if !c.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// knownValues builds the cumulative values map Decompose needs: every
// workflow variable with a literal value, plus every SUCCESS chain's
// produced outputs. A single-element output list collapses to its bare
// scalar (most service outputs are one value); a multi-element list is
// kept as a list so a for-each can range over it (spec §4.1).
func knownValues(wf model.Workflow, chains []*model.ProcessChain) map[string]interface{} {
	values := make(map[string]interface{})
	for _, v := range wf.Variables {
		if v.Value != nil {
			values[v.ID] = v.Value
		}
	}
	for _, chain := range chains {
		if chain.Status != model.ChainSuccess {
			continue
		}
		for variable, vals := range chain.Results {
			if len(vals) == 1 {
				values[variable] = vals[0]
			} else {
				values[variable] = vals
			}
		}
	}
	return values
}

func loadState(raw map[string]interface{}) (ruleengine.State, error) {
	if len(raw) == 0 {
		return ruleengine.NewState(), nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return ruleengine.State{}, err
	}
	var state ruleengine.State
	if err := json.Unmarshal(data, &state); err != nil {
		return ruleengine.State{}, err
	}
	if state.Emitted == nil {
		state.Emitted = make(map[string]bool)
	}
	return state, nil
}

func dumpState(state ruleengine.State) (map[string]interface{}, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
