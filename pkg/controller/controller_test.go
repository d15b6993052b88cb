package controller

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steep-wms/steep/pkg/agentregistry"
	"github.com/steep-wms/steep/pkg/catalog"
	"github.com/steep-wms/steep/pkg/eventbus"
	"github.com/steep-wms/steep/pkg/eventbus/inmembus"
	"github.com/steep-wms/steep/pkg/metrics"
	"github.com/steep-wms/steep/pkg/model"
	"github.com/steep-wms/steep/pkg/registry/memory"
	"github.com/steep-wms/steep/pkg/ruleengine"
)

func singleActionWorkflow() model.Workflow {
	return model.Workflow{
		Variables: []model.Variable{{ID: "x", Value: "input.txt"}},
		Actions: []model.Action{
			{
				Kind:      model.ActionExecute,
				ServiceID: "svc1",
				Bindings: []model.Binding{
					{Parameter: "in", Variable: "x", Type: model.ArgArgument},
					{Parameter: "out", Variable: "y", Type: model.ArgOutput},
				},
			},
		},
	}
}

func newTestController(t *testing.T, bus eventbus.Bus) (*Controller, *memory.Registry) {
	t.Helper()
	cat := catalog.New(catalog.Service{
		ID:                   "svc1",
		Path:                 "/bin/svc1",
		Runtime:              "process",
		RequiredCapabilities: []string{"cap1"},
		Parameters: []catalog.Parameter{
			{Name: "in", Type: model.ArgArgument, DataType: "file"},
			{Name: "out", Type: model.ArgOutput, DataType: "file"},
		},
	})
	engine := ruleengine.New(cat)
	reg := memory.New()
	mcs := metrics.New("steep_test_" + t.Name())
	agents := agentregistry.New(bus, mcs, 30*time.Second, 10*time.Second, zerolog.Nop())
	t.Cleanup(agents.Close)
	c := New(reg, agents, engine, bus, mcs, time.Hour, time.Hour, zerolog.Nop())
	return c, reg
}

func TestAdvanceClaimsAcceptedSubmissionAndRegistersChain(t *testing.T) {
	bus := inmembus.New(zerolog.Nop())
	c, reg := newTestController(t, bus)
	ctx := context.Background()

	sub := &model.Submission{ID: "sub-1", Workflow: singleActionWorkflow(), Status: model.SubmissionAccepted}
	require.NoError(t, reg.AddSubmission(ctx, sub))

	c.advance(ctx)

	got, err := reg.FindSubmissionByID(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, model.SubmissionRunning, got.Status)
	assert.NotNil(t, got.StartTime)
	assert.NotEmpty(t, got.ExecutionState)

	chains, err := reg.FindProcessChainsBySubmission(ctx, "sub-1")
	require.NoError(t, err)
	require.Len(t, chains, 1)
	assert.Equal(t, model.ChainRegistered, chains[0].Status)
	assert.Equal(t, []string{"cap1"}, chains[0].RequiredCapabilities)
}

func TestAdvanceFinalizesOnceAllChainsAreTerminal(t *testing.T) {
	bus := inmembus.New(zerolog.Nop())
	c, reg := newTestController(t, bus)
	ctx := context.Background()

	sub := &model.Submission{ID: "sub-2", Workflow: singleActionWorkflow(), Status: model.SubmissionAccepted}
	require.NoError(t, reg.AddSubmission(ctx, sub))

	c.advance(ctx) // claims, decomposes, registers the one chain

	chains, err := reg.FindProcessChainsBySubmission(ctx, "sub-2")
	require.NoError(t, err)
	require.Len(t, chains, 1)

	require.NoError(t, reg.SetProcessChainResults(ctx, chains[0].ID, map[string][]string{"0#out": {"result.txt"}}))
	require.NoError(t, reg.SetProcessChainStatus(ctx, chains[0].ID, model.ChainSuccess))

	c.advance(ctx) // re-decompose observes chain is terminal and the workflow is done

	got, err := reg.FindSubmissionByID(ctx, "sub-2")
	require.NoError(t, err)
	assert.Equal(t, model.SubmissionSuccess, got.Status)
	assert.NotNil(t, got.EndTime)
	assert.Equal(t, []string{"result.txt"}, got.Results["0#out"])
}

func TestStatusForChains(t *testing.T) {
	cases := []struct {
		name     string
		statuses []model.ProcessChainStatus
		want     model.SubmissionStatus
	}{
		{"all success", []model.ProcessChainStatus{model.ChainSuccess, model.ChainSuccess}, model.SubmissionSuccess},
		{"success and error", []model.ProcessChainStatus{model.ChainSuccess, model.ChainError}, model.SubmissionPartialSuccess},
		{"success and cancelled", []model.ProcessChainStatus{model.ChainSuccess, model.ChainCancelled}, model.SubmissionPartialSuccess},
		{"all error", []model.ProcessChainStatus{model.ChainError, model.ChainError}, model.SubmissionError},
		{"all cancelled", []model.ProcessChainStatus{model.ChainCancelled}, model.SubmissionCancelled},
		{"no chains", nil, model.SubmissionSuccess},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var chains []*model.ProcessChain
			for i, s := range tc.statuses {
				chains = append(chains, &model.ProcessChain{ID: idFor(i), Status: s})
			}
			assert.Equal(t, tc.want, statusForChains(chains))
		})
	}
}

func idFor(i int) string {
	return "chain-" + string(rune('a'+i))
}

func TestCancelBulkCancelsRegisteredAndNotifiesRunningAgents(t *testing.T) {
	bus := inmembus.New(zerolog.Nop())
	c, reg := newTestController(t, bus)
	ctx := context.Background()

	sub := &model.Submission{ID: "sub-3", Status: model.SubmissionRunning}
	require.NoError(t, reg.AddSubmission(ctx, sub))

	var gotCancel bool
	unreg := bus.Register(eventbus.AgentAddress("agent-1"), func(_ context.Context, msg eventbus.Message) (eventbus.Message, error) {
		if msg["action"] == eventbus.ActionCancel {
			gotCancel = true
		}
		return eventbus.Message{}, nil
	})
	t.Cleanup(unreg)

	chains := []*model.ProcessChain{
		{ID: "chain-reg", SubmissionID: "sub-3", Status: model.ChainRegistered},
		{ID: "chain-run", SubmissionID: "sub-3", Status: model.ChainRunning, Agent: "agent-1"},
	}
	require.NoError(t, reg.AddProcessChains(ctx, chains))

	require.NoError(t, c.Cancel(ctx, "sub-3"))

	assert.True(t, gotCancel, "the RUNNING chain's agent should have received a cancel request")

	got, err := reg.FindSubmissionByID(ctx, "sub-3")
	require.NoError(t, err)
	assert.Equal(t, model.SubmissionCancelled, got.Status)
	assert.NotNil(t, got.EndTime)

	gotChains, err := reg.FindProcessChainsBySubmission(ctx, "sub-3")
	require.NoError(t, err)
	byID := make(map[string]*model.ProcessChain, len(gotChains))
	for _, ch := range gotChains {
		byID[ch.ID] = ch
	}
	assert.Equal(t, model.ChainCancelled, byID["chain-reg"].Status, "REGISTERED chains are bulk-cancelled")
	assert.Equal(t, model.ChainRunning, byID["chain-run"].Status, "RUNNING chains are left for the agent to settle; only notified")
}

func TestScanOrphansReclaimsChainWhoseAgentIsGone(t *testing.T) {
	bus := inmembus.New(zerolog.Nop())
	c, reg := newTestController(t, bus)
	ctx := context.Background()

	sub := &model.Submission{ID: "sub-4", Status: model.SubmissionRunning}
	require.NoError(t, reg.AddSubmission(ctx, sub))
	chain := &model.ProcessChain{ID: "chain-orphan", SubmissionID: "sub-4", Status: model.ChainRunning, Agent: "agent-gone"}
	require.NoError(t, reg.AddProcessChains(ctx, []*model.ProcessChain{chain}))

	c.scanOrphans(ctx)

	got, err := reg.FindProcessChainsBySubmission(ctx, "sub-4")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.ChainRegistered, got[0].Status)
}

func TestLoadAndDumpStateRoundTrip(t *testing.T) {
	state := ruleengine.State{Emitted: map[string]bool{"0": true, "1/0": true}}
	raw, err := dumpState(state)
	require.NoError(t, err)

	got, err := loadState(raw)
	require.NoError(t, err)
	assert.Equal(t, state.Emitted, got.Emitted)

	empty, err := loadState(nil)
	require.NoError(t, err)
	assert.NotNil(t, empty.Emitted)
	assert.Empty(t, empty.Emitted)
}
