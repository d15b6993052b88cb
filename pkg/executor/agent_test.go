package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steep-wms/steep/pkg/catalog"
	"github.com/steep-wms/steep/pkg/domainerrors"
	"github.com/steep-wms/steep/pkg/eventbus/inmembus"
	"github.com/steep-wms/steep/pkg/metrics"
	"github.com/steep-wms/steep/pkg/model"
	"github.com/steep-wms/steep/pkg/ruleengine"
	"github.com/steep-wms/steep/pkg/workerpool"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func newTestAgent(t *testing.T, outPath string) *Agent {
	t.Helper()
	bus := inmembus.New(zerolog.Nop())
	pool := workerpool.New(2, 10, zerolog.Nop())
	pool.Start()
	t.Cleanup(pool.Stop)
	mcs := metrics.New("steep_test_" + t.Name())
	return New("test-agent", []string{"cap1"}, outPath, 100, 30*time.Second, 10*time.Second, bus, pool, mcs, nil, zerolog.Nop())
}

func TestExecuteSingleChainHappyPath(t *testing.T) {
	scriptDir := t.TempDir()
	outPath := t.TempDir()
	script := writeScript(t, scriptDir, "copy.sh", `echo "$1" > "$2"
`)

	chain := &model.ProcessChain{
		ID:           "chain-1",
		SubmissionID: "sub-1",
		Executables: []model.Executable{{
			Path:      script,
			ServiceID: "svcA",
			Args: []model.Argument{
				{Label: "in", Variable: "x", Type: model.ArgInput, Value: "hello"},
				{Label: "out", Variable: "0#out", Type: model.ArgOutput, DataType: "text"},
			},
		}},
	}

	agent := newTestAgent(t, outPath)
	results, err := agent.Execute(context.Background(), chain)
	require.NoError(t, err)

	require.Contains(t, results, "0#out")
	require.Len(t, results["0#out"], 1)
	data, err := os.ReadFile(results["0#out"][0])
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}

func TestExecuteReturnsExecutionMessageShape(t *testing.T) {
	scriptDir := t.TempDir()
	outPath := t.TempDir()
	script := writeScript(t, scriptDir, "fail.sh", `echo "boom"
exit 7
`)

	chain := &model.ProcessChain{
		ID:           "chain-2",
		SubmissionID: "sub-1",
		Executables: []model.Executable{{
			Path:      script,
			ServiceID: "svcA",
			Retries:   &model.RetryPolicy{MaxAttempts: 1},
		}},
	}

	agent := newTestAgent(t, outPath)
	_, err := agent.Execute(context.Background(), chain)
	require.Error(t, err)

	derr, ok := err.(*domainerrors.Error)
	require.True(t, ok)
	require.NotNil(t, derr.ExitCode)
	assert.Equal(t, 7, *derr.ExitCode)
	msg := derr.ExecutionMessage()
	assert.Contains(t, msg, "Exit code: 7")
	assert.Contains(t, msg, "boom")
}

func TestExecuteRetriesUntilSuccessIncrementsGaugeTwice(t *testing.T) {
	scriptDir := t.TempDir()
	outPath := t.TempDir()
	counter := filepath.Join(scriptDir, "attempts")
	script := writeScript(t, scriptDir, "flaky.sh", fmt.Sprintf(`
count=0
if [ -f %q ]; then count=$(cat %q); fi
count=$((count + 1))
echo "$count" > %q
if [ "$count" -lt 3 ]; then
  exit 1
fi
exit 0
`, counter, counter, counter))

	chain := &model.ProcessChain{
		ID:           "chain-3",
		SubmissionID: "sub-1",
		Executables: []model.Executable{{
			Path:      script,
			ServiceID: "flaky-service",
			Retries:   &model.RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond},
		}},
	}

	agent := newTestAgent(t, outPath)
	_, err := agent.Execute(context.Background(), chain)
	require.NoError(t, err)

	count := testutil.ToFloat64(agent.mcs.RetryTotal.WithLabelValues("flaky-service"))
	assert.Equal(t, float64(2), count, "maxAttempts=3 success-on-3rd retries exactly twice")
}

func TestExecuteCancelledDuringMkdirPhase(t *testing.T) {
	scriptDir := t.TempDir()
	outPath := t.TempDir()
	script := writeScript(t, scriptDir, "noop.sh", `exit 0
`)

	chain := &model.ProcessChain{
		ID:           "chain-4",
		SubmissionID: "sub-1",
		Executables: []model.Executable{{
			Path:      script,
			ServiceID: "svcA",
			Args: []model.Argument{
				{Label: "out", Variable: "0#out", Type: model.ArgOutput, DataType: "text"},
			},
		}},
	}

	agent := newTestAgent(t, outPath)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := agent.Execute(ctx, chain)
	require.Error(t, err)
	derr, ok := err.(*domainerrors.Error)
	require.True(t, ok)
	assert.Equal(t, domainerrors.KindCancelled, derr.Kind)
}

func TestExecuteForEachChainsFromRuleEngine(t *testing.T) {
	scriptDir := t.TempDir()
	outPath := t.TempDir()
	script := writeScript(t, scriptDir, "square.sh", `echo "$1" > "$2"
`)

	cat := catalog.New(catalog.Service{
		ID:   "svcSquare",
		Path: script,
		Parameters: []catalog.Parameter{
			{Name: "in", Type: model.ArgInput, DataType: "integer"},
			{Name: "out", Type: model.ArgOutput, DataType: "text"},
		},
		RequiredCapabilities: []string{"cap1"},
	})

	wf := model.Workflow{
		Variables: []model.Variable{{ID: "items"}},
		Actions: []model.Action{{
			Kind:              model.ActionForEach,
			Input:             "items",
			IterationVariable: "i",
			Output:            "o",
			YieldTarget:       "outs",
			Actions: []model.Action{
				{Kind: model.ActionExecute, ServiceID: "svcSquare", Bindings: []model.Binding{
					{Parameter: "in", Variable: "i", Type: model.ArgInput},
					{Parameter: "out", Variable: "o", Type: model.ArgOutput},
				}},
			},
		}},
	}

	eng := ruleengine.New(cat)
	result, err := eng.Decompose(wf, map[string]interface{}{"items": []interface{}{"1", "2", "3"}}, ruleengine.NewState())
	require.NoError(t, err)
	require.Len(t, result.Chains, 3)

	agent := newTestAgent(t, outPath)
	for i := range result.Chains {
		chain := result.Chains[i]
		chain.SubmissionID = "sub-foreach"
		chain.ID = fmt.Sprintf("chain-fe-%d", i)
		results, err := agent.Execute(context.Background(), &chain)
		require.NoError(t, err)
		require.Len(t, results, 1)
	}
}
