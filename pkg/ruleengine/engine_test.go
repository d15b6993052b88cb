package ruleengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steep-wms/steep/pkg/catalog"
	"github.com/steep-wms/steep/pkg/model"
)

func testCatalog() *catalog.Catalog {
	return catalog.New(
		catalog.Service{
			ID:   "svcA",
			Path: "/bin/svcA",
			Parameters: []Parameter{
				{Name: "in", Type: model.ArgInput, DataType: "integer"},
				{Name: "out", Type: model.ArgOutput, DataType: "integer"},
			},
			RequiredCapabilities: []string{"cap1"},
		},
		catalog.Service{
			ID:   "svcB",
			Path: "/bin/svcB",
			Parameters: []Parameter{
				{Name: "in", Type: model.ArgInput, DataType: "integer"},
				{Name: "out", Type: model.ArgOutput, DataType: "integer"},
			},
			RequiredCapabilities: []string{"cap1"},
		},
		catalog.Service{
			ID:   "svcC",
			Path: "/bin/svcC",
			Parameters: []Parameter{
				{Name: "in", Type: model.ArgInput, DataType: "integer"},
				{Name: "out", Type: model.ArgOutput, DataType: "integer"},
			},
			RequiredCapabilities: []string{"cap2"},
		},
	)
}

type Parameter = catalog.Parameter

func TestDecomposeChainsDataflowLinkedActions(t *testing.T) {
	wf := model.Workflow{
		Variables: []model.Variable{{ID: "x", Value: 1}},
		Actions: []model.Action{
			{Kind: model.ActionExecute, ServiceID: "svcA", Bindings: []model.Binding{
				{Parameter: "in", Variable: "x", Type: model.ArgInput},
				{Parameter: "out", Variable: "y", Type: model.ArgOutput},
			}},
			{Kind: model.ActionExecute, ServiceID: "svcB", Bindings: []model.Binding{
				{Parameter: "in", Variable: "y", Type: model.ArgInput},
				{Parameter: "out", Variable: "z", Type: model.ArgOutput},
			}},
		},
	}

	e := New(testCatalog())
	result, err := e.Decompose(wf, map[string]interface{}{"x": 1}, NewState())
	require.NoError(t, err)

	require.Len(t, result.Chains, 1)
	assert.Len(t, result.Chains[0].Executables, 2)
	assert.Equal(t, []string{"cap1"}, result.Chains[0].RequiredCapabilities)
	assert.False(t, result.Done, "workflow isn't done until z is observed")
}

func TestDecomposeFlushesOnCapabilityChange(t *testing.T) {
	wf := model.Workflow{
		Variables: []model.Variable{{ID: "x", Value: 1}},
		Actions: []model.Action{
			{Kind: model.ActionExecute, ServiceID: "svcA", Bindings: []model.Binding{
				{Parameter: "in", Variable: "x", Type: model.ArgInput},
				{Parameter: "out", Variable: "y", Type: model.ArgOutput},
			}},
			{Kind: model.ActionExecute, ServiceID: "svcC", Bindings: []model.Binding{
				{Parameter: "in", Variable: "y", Type: model.ArgInput},
				{Parameter: "out", Variable: "z", Type: model.ArgOutput},
			}},
		},
	}

	e := New(testCatalog())
	result, err := e.Decompose(wf, map[string]interface{}{"x": 1}, NewState())
	require.NoError(t, err)
	require.Len(t, result.Chains, 1, "svcC waits for svcA's output, which no chain has produced yet")
	assert.Equal(t, []string{"cap1"}, result.Chains[0].RequiredCapabilities)

	// Once svcA's output is observed, svcC is emitted in a chain of its own.
	result, err = e.Decompose(wf, map[string]interface{}{"x": 1, "0#out": "y.txt"}, result.State)
	require.NoError(t, err)
	require.Len(t, result.Chains, 1, "svcA (cap1) and svcC (cap2) must not share a chain")
	assert.Equal(t, []string{"cap2"}, result.Chains[0].RequiredCapabilities)
}

func TestDecomposeDoesNotReEmitAlreadyEmittedChains(t *testing.T) {
	wf := model.Workflow{
		Variables: []model.Variable{{ID: "x", Value: 1}},
		Actions: []model.Action{
			{Kind: model.ActionExecute, ServiceID: "svcA", Bindings: []model.Binding{
				{Parameter: "in", Variable: "x", Type: model.ArgInput},
				{Parameter: "out", Variable: "y", Type: model.ArgOutput},
			}},
		},
	}

	e := New(testCatalog())
	first, err := e.Decompose(wf, map[string]interface{}{"x": 1}, NewState())
	require.NoError(t, err)
	require.Len(t, first.Chains, 1)

	second, err := e.Decompose(wf, map[string]interface{}{"x": 1}, first.State)
	require.NoError(t, err)
	assert.Empty(t, second.Chains)
	assert.True(t, second.Done)
}

func TestDecomposeDefersOnUnknownInput(t *testing.T) {
	wf := model.Workflow{
		Variables: []model.Variable{{ID: "x"}},
		Actions: []model.Action{
			{Kind: model.ActionExecute, ServiceID: "svcA", Bindings: []model.Binding{
				{Parameter: "in", Variable: "x", Type: model.ArgInput},
				{Parameter: "out", Variable: "y", Type: model.ArgOutput},
			}},
		},
	}

	e := New(testCatalog())
	result, err := e.Decompose(wf, map[string]interface{}{}, NewState())
	require.NoError(t, err)
	assert.Empty(t, result.Chains)
	assert.False(t, result.Done)
}

func TestDecomposeExpandsForEachOnceInputKnown(t *testing.T) {
	wf := model.Workflow{
		Variables: []model.Variable{{ID: "items"}},
		Actions: []model.Action{
			{
				Kind:              model.ActionForEach,
				Input:             "items",
				IterationVariable: "i",
				Output:            "o",
				YieldTarget:       "outs",
				Actions: []model.Action{
					{Kind: model.ActionExecute, ServiceID: "svcA", Bindings: []model.Binding{
						{Parameter: "in", Variable: "i", Type: model.ArgInput},
						{Parameter: "out", Variable: "o", Type: model.ArgOutput},
					}},
				},
			},
		},
	}

	e := New(testCatalog())

	// First call: items unknown, nothing producible yet.
	result, err := e.Decompose(wf, map[string]interface{}{}, NewState())
	require.NoError(t, err)
	assert.Empty(t, result.Chains)
	assert.False(t, result.Done)

	// Second call: items known, three iterations become producible, each a
	// one-executable chain (for-each boundary forbids merging iterations).
	result, err = e.Decompose(wf, map[string]interface{}{"items": []interface{}{1, 2, 3}}, result.State)
	require.NoError(t, err)
	require.Len(t, result.Chains, 3)
	for _, c := range result.Chains {
		assert.Len(t, c.Executables, 1)
	}
}

func TestValidateRejectsUnknownService(t *testing.T) {
	wf := model.Workflow{
		Variables: []model.Variable{{ID: "x", Value: 1}},
		Actions: []model.Action{
			{Kind: model.ActionExecute, ServiceID: "missing", Bindings: []model.Binding{
				{Parameter: "in", Variable: "x", Type: model.ArgInput},
			}},
		},
	}

	e := New(testCatalog())
	_, err := e.Decompose(wf, map[string]interface{}{"x": 1}, NewState())
	require.Error(t, err)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestValidateRejectsUndeclaredVariable(t *testing.T) {
	wf := model.Workflow{
		Actions: []model.Action{
			{Kind: model.ActionExecute, ServiceID: "svcA", Bindings: []model.Binding{
				{Parameter: "in", Variable: "ghost", Type: model.ArgInput},
				{Parameter: "out", Variable: "y", Type: model.ArgOutput},
			}},
		},
	}

	e := New(testCatalog())
	_, err := e.Decompose(wf, map[string]interface{}{}, NewState())
	require.Error(t, err)
}

func TestValidateRejectsMissingRequiredParameter(t *testing.T) {
	wf := model.Workflow{
		Variables: []model.Variable{{ID: "x", Value: 1}},
		Actions: []model.Action{
			{Kind: model.ActionExecute, ServiceID: "svcA", Bindings: []model.Binding{
				{Parameter: "out", Variable: "y", Type: model.ArgOutput},
			}},
		},
	}

	e := New(testCatalog())
	_, err := e.Decompose(wf, map[string]interface{}{"x": 1}, NewState())
	require.Error(t, err)
}
