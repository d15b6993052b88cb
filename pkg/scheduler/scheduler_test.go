package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steep-wms/steep/pkg/agentregistry"
	"github.com/steep-wms/steep/pkg/eventbus"
	"github.com/steep-wms/steep/pkg/eventbus/inmembus"
	"github.com/steep-wms/steep/pkg/metrics"
	"github.com/steep-wms/steep/pkg/model"
	"github.com/steep-wms/steep/pkg/registry/memory"
)

func announce(bus eventbus.Bus, id string, capabilities []string) {
	caps := make([]interface{}, len(capabilities))
	for i, c := range capabilities {
		caps[i] = c
	}
	bus.Publish(eventbus.NodeAddedAddress, eventbus.Message{"agentId": id, "capabilities": caps})
}

func waitForAgents(t *testing.T, agents *agentregistry.Registry, n int) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if len(agents.Snapshot()) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d agents", n)
}

func newRegistries(t *testing.T, bus eventbus.Bus, mcs *metrics.Collector) *agentregistry.Registry {
	t.Helper()
	agents := agentregistry.New(bus, mcs, 30*time.Second, 10*time.Second, zerolog.Nop())
	t.Cleanup(agents.Close)
	return agents
}

func TestTickDispatchesRegisteredChainToAvailableAgent(t *testing.T) {
	bus := inmembus.New(zerolog.Nop())
	mcs := metrics.New("steep_test_" + t.Name())
	agents := newRegistries(t, bus, mcs)

	var executed *model.ProcessChain
	unreg := bus.Register(eventbus.AgentAddress("agent-1"), func(_ context.Context, msg eventbus.Message) (eventbus.Message, error) {
		switch msg["action"] {
		case eventbus.ActionAllocate:
			return eventbus.Message{"allocated": true}, nil
		case eventbus.ActionExecute:
			executed = msg["chain"].(*model.ProcessChain)
			return eventbus.Message{"results": map[string][]string{"out": {"a.txt"}}}, nil
		}
		return eventbus.Message{}, nil
	})
	t.Cleanup(unreg)
	announce(bus, "agent-1", []string{"cap1"})
	waitForAgents(t, agents, 1)

	reg := memory.New()
	ctx := context.Background()
	require.NoError(t, reg.AddSubmission(ctx, &model.Submission{ID: "sub-1", Status: model.SubmissionRunning}))
	chain := &model.ProcessChain{ID: "chain-1", SubmissionID: "sub-1", Status: model.ChainRegistered, RequiredCapabilities: []string{"cap1"}}
	require.NoError(t, reg.AddProcessChains(ctx, []*model.ProcessChain{chain}))

	sched := New(reg, agents, bus, mcs, time.Hour, zerolog.Nop())
	sched.tick(ctx)
	sched.eg.Wait()

	require.NotNil(t, executed, "agent should have received an execute request")
	assert.Equal(t, "chain-1", executed.ID)

	got, err := reg.FindProcessChainsBySubmission(ctx, "sub-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.ChainSuccess, got[0].Status)
	assert.Equal(t, "agent-1", got[0].Agent)
	assert.Equal(t, []string{"a.txt"}, got[0].Results["out"])
	assert.NotNil(t, got[0].StartTime)
	assert.NotNil(t, got[0].EndTime)
}

// TestTickDispatchesToAgentAdvertisingSupersetCapabilities guards against
// filtering FetchNextProcessChain by the candidate's own Capabilities
// instead of the winning demand's RequiredCapabilities: an agent
// legitimately advertising more capabilities than a chain requires (spec
// glossary: capability matching is set-inclusion) must still be able to
// pick up that chain.
func TestTickDispatchesToAgentAdvertisingSupersetCapabilities(t *testing.T) {
	bus := inmembus.New(zerolog.Nop())
	mcs := metrics.New("steep_test_" + t.Name())
	agents := newRegistries(t, bus, mcs)

	var executed *model.ProcessChain
	unreg := bus.Register(eventbus.AgentAddress("agent-1"), func(_ context.Context, msg eventbus.Message) (eventbus.Message, error) {
		switch msg["action"] {
		case eventbus.ActionAllocate:
			return eventbus.Message{"allocated": true}, nil
		case eventbus.ActionExecute:
			executed = msg["chain"].(*model.ProcessChain)
			return eventbus.Message{"results": map[string][]string{"out": {"a.txt"}}}, nil
		}
		return eventbus.Message{}, nil
	})
	t.Cleanup(unreg)
	announce(bus, "agent-1", []string{"docker", "gpu"})
	waitForAgents(t, agents, 1)

	reg := memory.New()
	ctx := context.Background()
	require.NoError(t, reg.AddSubmission(ctx, &model.Submission{ID: "sub-1", Status: model.SubmissionRunning}))
	chain := &model.ProcessChain{ID: "chain-1", SubmissionID: "sub-1", Status: model.ChainRegistered, RequiredCapabilities: []string{"docker"}}
	require.NoError(t, reg.AddProcessChains(ctx, []*model.ProcessChain{chain}))

	sched := New(reg, agents, bus, mcs, time.Hour, zerolog.Nop())
	sched.tick(ctx)
	sched.eg.Wait()

	require.NotNil(t, executed, "agent advertising a superset of the chain's required capabilities should still receive it")
	assert.Equal(t, "chain-1", executed.ID)
}

func TestTickRecordsExecutionErrorWithExitCode(t *testing.T) {
	bus := inmembus.New(zerolog.Nop())
	mcs := metrics.New("steep_test_" + t.Name())
	agents := newRegistries(t, bus, mcs)

	unreg := bus.Register(eventbus.AgentAddress("agent-1"), func(_ context.Context, msg eventbus.Message) (eventbus.Message, error) {
		switch msg["action"] {
		case eventbus.ActionAllocate:
			return eventbus.Message{"allocated": true}, nil
		case eventbus.ActionExecute:
			return eventbus.Message{
				"error":      "executable failed",
				"kind":       "execution",
				"exitCode":   1,
				"lastOutput": "boom",
				"message":    "executable failed",
			}, nil
		}
		return eventbus.Message{}, nil
	})
	t.Cleanup(unreg)
	announce(bus, "agent-1", []string{"cap1"})
	waitForAgents(t, agents, 1)

	reg := memory.New()
	ctx := context.Background()
	require.NoError(t, reg.AddSubmission(ctx, &model.Submission{ID: "sub-1", Status: model.SubmissionRunning}))
	chain := &model.ProcessChain{ID: "chain-1", SubmissionID: "sub-1", Status: model.ChainRegistered, RequiredCapabilities: []string{"cap1"}}
	require.NoError(t, reg.AddProcessChains(ctx, []*model.ProcessChain{chain}))

	sched := New(reg, agents, bus, mcs, time.Hour, zerolog.Nop())
	sched.tick(ctx)
	sched.eg.Wait()

	got, err := reg.FindProcessChainsBySubmission(ctx, "sub-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.ChainError, got[0].Status)
	assert.Contains(t, got[0].ErrorMessage, "executable failed")
	assert.Contains(t, got[0].ErrorMessage, "Exit code: 1")
	assert.Contains(t, got[0].ErrorMessage, "boom")
}

func TestTickSkipsAgentWithInFlightDispatch(t *testing.T) {
	bus := inmembus.New(zerolog.Nop())
	mcs := metrics.New("steep_test_" + t.Name())
	agents := newRegistries(t, bus, mcs)

	unreg := bus.Register(eventbus.AgentAddress("agent-1"), func(_ context.Context, msg eventbus.Message) (eventbus.Message, error) {
		return eventbus.Message{"allocated": true}, nil
	})
	t.Cleanup(unreg)
	announce(bus, "agent-1", []string{"cap1"})
	waitForAgents(t, agents, 1)

	reg := memory.New()
	ctx := context.Background()
	require.NoError(t, reg.AddSubmission(ctx, &model.Submission{ID: "sub-1", Status: model.SubmissionRunning}))

	sched := New(reg, agents, bus, mcs, time.Hour, zerolog.Nop())
	sched.mu.Lock()
	sched.inflight["agent-1"] = true
	sched.mu.Unlock()

	chain := &model.ProcessChain{ID: "chain-1", SubmissionID: "sub-1", Status: model.ChainRegistered, RequiredCapabilities: []string{"cap1"}}
	require.NoError(t, reg.AddProcessChains(ctx, []*model.ProcessChain{chain}))

	sched.tick(ctx)
	sched.eg.Wait()

	got, err := reg.FindProcessChainsByStatus(ctx, model.ChainRegistered)
	require.NoError(t, err)
	assert.Len(t, got, 1, "chain must stay REGISTERED while its only candidate agent has an in-flight dispatch")
}
