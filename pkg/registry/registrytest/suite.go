// Package registrytest is the black-box contract suite spec §4.2/§8 expects
// every SubmissionRegistry backend to pass unchanged: round-trips, the
// fetchNext linearizability invariant, and the addProcessChains boundary
// against an unknown submissionId. A backend runs it from its own _test.go
// file; pkg/registry/memory is the only backend that has one.
package registrytest

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steep-wms/steep/pkg/model"
	"github.com/steep-wms/steep/pkg/registry"
)

// Run exercises reg (assumed empty) against the full contract.
func Run(t *testing.T, reg registry.SubmissionRegistry) {
	t.Helper()
	ctx := context.Background()

	t.Run("submission round-trip", func(t *testing.T) { testSubmissionRoundTrip(t, ctx, reg) })
	t.Run("process chain round-trip", func(t *testing.T) { testProcessChainRoundTrip(t, ctx, reg) })
	t.Run("addProcessChains rejects unknown submission", func(t *testing.T) { testAddChainsUnknownSubmission(t, ctx, reg) })
	t.Run("fetchNext is linearizable", func(t *testing.T) { testFetchNextLinearizable(t, ctx, reg) })
	t.Run("compare-and-swap only succeeds on expected status", func(t *testing.T) { testCompareAndSwap(t, ctx, reg) })
	t.Run("setAllProcessChainStatusBySubmission is conditional", func(t *testing.T) { testSetAllConditional(t, ctx, reg) })
}

func testSubmissionRoundTrip(t *testing.T, ctx context.Context, reg registry.SubmissionRegistry) {
	sub := &model.Submission{ID: "sub-round-trip", Status: model.SubmissionAccepted}
	require.NoError(t, reg.AddSubmission(ctx, sub))

	require.Error(t, reg.AddSubmission(ctx, sub), "adding the same id twice must conflict")

	got, err := reg.FindSubmissionByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SubmissionAccepted, got.Status)

	require.NoError(t, reg.SetSubmissionStatus(ctx, sub.ID, model.SubmissionRunning))
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, reg.SetSubmissionStartTime(ctx, sub.ID, now))
	require.NoError(t, reg.SetSubmissionResults(ctx, sub.ID, map[string][]string{"out": {"a.txt"}}))
	require.NoError(t, reg.SetSubmissionErrorMessage(ctx, sub.ID, "transient"))
	require.NoError(t, reg.SetSubmissionExecutionState(ctx, sub.ID, map[string]interface{}{"emitted": []string{"0"}}))

	got, err = reg.FindSubmissionByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SubmissionRunning, got.Status)
	assert.Equal(t, now, got.StartTime.UTC())
	assert.Equal(t, "transient", got.ErrorMessage)

	results, err := reg.GetSubmissionResults(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, results["out"])

	state, err := reg.GetSubmissionExecutionState(ctx, sub.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, state)

	byStatus, err := reg.FindSubmissionsByStatus(ctx, model.SubmissionRunning)
	require.NoError(t, err)
	assert.Len(t, byStatus, 1)

	count, err := reg.CountSubmissions(ctx, model.SubmissionRunning)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = reg.FindSubmissionByID(ctx, "does-not-exist")
	assert.Error(t, err)
}

func testProcessChainRoundTrip(t *testing.T, ctx context.Context, reg registry.SubmissionRegistry) {
	sub := &model.Submission{ID: "sub-chain-round-trip", Status: model.SubmissionAccepted}
	require.NoError(t, reg.AddSubmission(ctx, sub))

	chain := &model.ProcessChain{ID: "chain-1", SubmissionID: sub.ID, Status: model.ChainRegistered, RequiredCapabilities: []string{"cap1"}}
	require.NoError(t, reg.AddProcessChains(ctx, []*model.ProcessChain{chain}))

	require.NoError(t, reg.SetProcessChainStatus(ctx, chain.ID, model.ChainRunning))
	require.NoError(t, reg.SetProcessChainAgent(ctx, chain.ID, "agent-1"))
	require.NoError(t, reg.SetProcessChainResults(ctx, chain.ID, map[string][]string{"out": {"b.txt"}}))
	require.NoError(t, reg.SetProcessChainErrorMessage(ctx, chain.ID, ""))

	byStatus, err := reg.FindProcessChainsByStatus(ctx, model.ChainRunning)
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, chain.ID, byStatus[0].ID)
	assert.Equal(t, "agent-1", byStatus[0].Agent)

	bySub, err := reg.FindProcessChainsBySubmission(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, bySub, 1)

	count, err := reg.CountProcessChainsByStatus(ctx, model.ChainRunning)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	results, err := reg.GetProcessChainResults(ctx, chain.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.txt"}, results["out"])
}

func testAddChainsUnknownSubmission(t *testing.T, ctx context.Context, reg registry.SubmissionRegistry) {
	chain := &model.ProcessChain{ID: "chain-orphan", SubmissionID: "no-such-submission", Status: model.ChainRegistered}
	err := reg.AddProcessChains(ctx, []*model.ProcessChain{chain})
	assert.Error(t, err)
}

func testFetchNextLinearizable(t *testing.T, ctx context.Context, reg registry.SubmissionRegistry) {
	sub := &model.Submission{ID: "sub-fetchnext", Status: model.SubmissionAccepted}
	require.NoError(t, reg.AddSubmission(ctx, sub))

	chains := make([]*model.ProcessChain, 0, 20)
	for i := 0; i < 20; i++ {
		chains = append(chains, &model.ProcessChain{
			ID: idFor("fn", i), SubmissionID: sub.ID, Status: model.ChainRegistered,
		})
	}
	require.NoError(t, reg.AddProcessChains(ctx, chains))

	var mu sync.Mutex
	claimed := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				c, err := reg.FetchNextProcessChain(ctx, model.ChainRegistered, model.ChainRunning, nil)
				if err != nil || c == nil {
					return
				}
				mu.Lock()
				claimed[c.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 20, "every chain must be claimed exactly once in total")
	for id, n := range claimed {
		assert.Equal(t, 1, n, "chain %s claimed more than once", id)
	}
}

func testCompareAndSwap(t *testing.T, ctx context.Context, reg registry.SubmissionRegistry) {
	sub := &model.Submission{ID: "sub-cas", Status: model.SubmissionAccepted}
	require.NoError(t, reg.AddSubmission(ctx, sub))
	chain := &model.ProcessChain{ID: "chain-cas", SubmissionID: sub.ID, Status: model.ChainRegistered}
	require.NoError(t, reg.AddProcessChains(ctx, []*model.ProcessChain{chain}))

	ok, err := reg.CompareAndSwapProcessChainStatus(ctx, chain.ID, model.ChainRunning, model.ChainSuccess)
	require.NoError(t, err)
	assert.False(t, ok, "swap against the wrong expected status must not happen")

	ok, err = reg.CompareAndSwapProcessChainStatus(ctx, chain.ID, model.ChainRegistered, model.ChainRunning)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = reg.CompareAndSwapProcessChainStatus(ctx, chain.ID, model.ChainRegistered, model.ChainRunning)
	require.NoError(t, err)
	assert.False(t, ok, "second swap from the now-stale expected status must fail")
}

func testSetAllConditional(t *testing.T, ctx context.Context, reg registry.SubmissionRegistry) {
	sub := &model.Submission{ID: "sub-setall", Status: model.SubmissionAccepted}
	require.NoError(t, reg.AddSubmission(ctx, sub))

	chains := []*model.ProcessChain{
		{ID: "setall-1", SubmissionID: sub.ID, Status: model.ChainRunning},
		{ID: "setall-2", SubmissionID: sub.ID, Status: model.ChainRegistered},
	}
	require.NoError(t, reg.AddProcessChains(ctx, chains))

	n, err := reg.SetAllProcessChainStatusBySubmission(ctx, sub.ID, model.ChainRunning, model.ChainCancelled)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the RUNNING chain should have flipped")

	byStatus, err := reg.FindProcessChainsByStatus(ctx, model.ChainCancelled)
	require.NoError(t, err)
	assert.Len(t, byStatus, 1)
	assert.Equal(t, "setall-1", byStatus[0].ID)
}

func idFor(prefix string, i int) string {
	return prefix + "-" + strconv.Itoa(i)
}
