// Package ruleengine is the deterministic workflow decomposer (spec §4.1):
// given a Workflow and the set of variable values observed so far, it walks
// the action tree in order, expands for-each actions whose input collection
// is already known, and groups producible execute-actions into linear
// process chains wherever they share a capability set, an iteration scope,
// and a direct dataflow dependency. It holds no I/O of its own — the
// teacher's pipeline scheduler (pkg/mcp/app/pipeline/scheduler.go) is the
// model for keeping a pure transform decoupled from the thing that runs its
// output.
package ruleengine

import (
	"fmt"
	"strings"

	"github.com/steep-wms/steep/pkg/catalog"
	"github.com/steep-wms/steep/pkg/model"
)

// Engine decomposes workflows against a service catalog.
type Engine struct {
	catalog *catalog.Catalog
}

// New returns an Engine resolving execute-actions against cat.
func New(cat *catalog.Catalog) *Engine {
	return &Engine{catalog: cat}
}

// Result is the outcome of one Decompose call.
type Result struct {
	Chains []model.ProcessChain
	State  State
	Done   bool
}

// leaf is one flattened, fully path-scoped execute-action.
type leaf struct {
	path         string
	serviceID    string
	svcPath      string
	runtime      string
	capabilities []string
	retries      *model.RetryPolicy
	args         []model.Argument
	inputVars    []string
	outputVars   []string
}

// Decompose advances decomposition of wf given the cumulative variable
// values observed so far (literal inputs plus every OUTPUT a process chain
// has actually produced) and the State carried from the previous call.
// It is pure: calling it twice with the same (wf, values) and the State
// returned by the first call yields the same chains the second time, minus
// whatever was already emitted (spec §4.1 invariant 4).
func (e *Engine) Decompose(wf model.Workflow, values map[string]interface{}, state State) (Result, error) {
	if err := e.validate(wf); err != nil {
		return Result{}, err
	}

	env := make(map[string]string, len(wf.Variables))
	for _, v := range wf.Variables {
		env[v.ID] = v.ID
	}
	localValues := cloneValues(values)

	leaves, unresolved, err := e.walk(wf.Actions, "", env, localValues)
	if err != nil {
		return Result{}, err
	}

	newState := state.clone()
	chains := e.buildChains(leaves, localValues, newState)

	emittedCount := 0
	for _, lf := range leaves {
		if newState.Emitted[lf.path] {
			emittedCount++
		}
	}
	done := unresolved == 0 && emittedCount == len(leaves)

	return Result{Chains: chains, State: newState, Done: done}, nil
}

func cloneValues(values map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

// walk flattens actions (at the given path prefix, under env) into leaves in
// workflow order, expanding every for-each whose input is already known.
// unresolved counts for-each actions that could not be expanded this call.
func (e *Engine) walk(actions []model.Action, prefix string, env map[string]string, values map[string]interface{}) ([]leaf, int, error) {
	var leaves []leaf
	unresolved := 0

	for idx, action := range actions {
		path := pathJoin(prefix, fmt.Sprintf("%d", idx))

		switch action.Kind {
		case model.ActionExecute:
			lf, err := e.buildLeaf(action, path, env, values)
			if err != nil {
				return nil, 0, err
			}
			leaves = append(leaves, lf)

		case model.ActionForEach:
			inputVar := resolve(action.Input, env)
			raw, known := values[inputVar]
			if !known {
				unresolved++
				continue
			}
			items, ok := toSlice(raw)
			if !ok {
				return nil, 0, validationErr(path, "for-each input %q is not a list", action.Input)
			}

			perIterationOutputs := make([]string, len(items))
			allIterResolved := true
			for i, item := range items {
				iterPath := pathJoin(path, fmt.Sprintf("%d", i))
				childEnv := cloneEnv(env)
				iterVarID := iterPath + "#iter"
				childEnv[action.IterationVariable] = iterVarID
				values[iterVarID] = item

				childLeaves, childUnresolved, err := e.walk(action.Actions, iterPath, childEnv, values)
				if err != nil {
					return nil, 0, err
				}
				leaves = append(leaves, childLeaves...)
				unresolved += childUnresolved

				if action.Output != "" {
					if outID, ok := childEnv[action.Output]; ok {
						perIterationOutputs[i] = outID
					} else {
						allIterResolved = false
					}
				}
			}

			if action.YieldTarget != "" && allIterResolved {
				collected := make([]interface{}, len(items))
				ready := true
				for i, outID := range perIterationOutputs {
					v, ok := values[outID]
					if !ok {
						ready = false
						break
					}
					collected[i] = v
				}
				if ready {
					yieldID := path + "#yield"
					env[action.YieldTarget] = yieldID
					values[yieldID] = collected
				}
			}

		default:
			return nil, 0, validationErr(path, "unknown action kind %q", action.Kind)
		}
	}

	return leaves, unresolved, nil
}

func (e *Engine) buildLeaf(action model.Action, path string, env map[string]string, values map[string]interface{}) (leaf, error) {
	svc, err := e.catalog.Get(action.ServiceID)
	if err != nil {
		return leaf{}, validationErr(path, "%v", err)
	}

	lf := leaf{
		path:         path,
		serviceID:    svc.ID,
		svcPath:      svc.Path,
		runtime:      svc.Runtime,
		capabilities: svc.RequiredCapabilities,
		retries:      svc.Retries,
	}

	for _, b := range action.Bindings {
		switch b.Type {
		case model.ArgOutput:
			concreteID := path + "#" + b.Parameter
			env[b.Variable] = concreteID
			lf.outputVars = append(lf.outputVars, concreteID)
			lf.args = append(lf.args, model.Argument{
				Label: b.Parameter, Variable: concreteID, Type: model.ArgOutput, DataType: dataTypeOf(svc, b.Parameter),
			})
		default:
			concreteID := resolve(b.Variable, env)
			lf.inputVars = append(lf.inputVars, concreteID)
			lf.args = append(lf.args, model.Argument{
				Label: b.Parameter, Variable: concreteID, Type: b.Type, DataType: dataTypeOf(svc, b.Parameter),
			})
		}
	}
	_ = values
	return lf, nil
}

func dataTypeOf(svc catalog.Service, param string) string {
	if p, ok := svc.Param(param); ok {
		return p.DataType
	}
	return ""
}

// buildChains groups producible leaves into process chains and marks each
// emitted leaf in state.
func (e *Engine) buildChains(leaves []leaf, values map[string]interface{}, state State) []model.ProcessChain {
	var chains []model.ProcessChain
	var current *model.ProcessChain
	var lastOutputs map[string]bool
	var lastScope string
	localKnown := make(map[string]bool)

	flush := func() {
		if current != nil {
			chains = append(chains, *current)
			current = nil
		}
		lastOutputs = nil
		lastScope = ""
	}

	for _, lf := range leaves {
		if state.Emitted[lf.path] {
			continue
		}

		scope := scopeOf(lf.path)
		extend := current != nil &&
			model.EqualCapabilities(current.RequiredCapabilities, lf.capabilities) &&
			scope == lastScope &&
			sharesDependency(lf.inputVars, lastOutputs)

		// Outputs of the open chain count as known only for a leaf that joins
		// it; a leaf that would start a new chain waits until they are observed.
		known := localKnown
		if !extend {
			known = nil
		}
		if !allKnown(lf.inputVars, values, known) {
			continue
		}

		if !extend {
			flush()
			current = &model.ProcessChain{
				RequiredCapabilities: append([]string(nil), lf.capabilities...),
				Status:               model.ChainRegistered,
			}
			localKnown = make(map[string]bool)
		}

		current.Executables = append(current.Executables, model.Executable{
			Path:      lf.svcPath,
			Args:      resolveArgValues(lf.args, values),
			Runtime:   lf.runtime,
			ServiceID: lf.serviceID,
			Retries:   lf.retries,
		})
		current.RequiredCapabilities = model.UnionCapabilities(current.RequiredCapabilities, lf.capabilities)

		outs := make(map[string]bool, len(lf.outputVars))
		for _, ov := range lf.outputVars {
			outs[ov] = true
			localKnown[ov] = true
		}
		lastOutputs = outs
		lastScope = scope

		state.Emitted[lf.path] = true
	}
	flush()

	return chains
}

// resolveArgValues stamps each non-OUTPUT argument with its literal value
// from values when one is already known. An argument whose Variable instead
// names an OUTPUT produced earlier in this same chain has no literal value
// yet; it keeps Value nil and the agent resolves it to that step's output
// path at execution time (spec §4.1 "a chain's internal dataflow is a
// path", spec §4.4).
func resolveArgValues(args []model.Argument, values map[string]interface{}) []model.Argument {
	out := make([]model.Argument, len(args))
	for i, a := range args {
		if a.Type != model.ArgOutput {
			if v, ok := values[a.Variable]; ok {
				a.Value = v
			}
		}
		out[i] = a
	}
	return out
}

func allKnown(vars []string, values map[string]interface{}, local map[string]bool) bool {
	for _, v := range vars {
		if _, ok := values[v]; ok {
			continue
		}
		if local[v] {
			continue
		}
		return false
	}
	return true
}

func sharesDependency(inputs []string, priorOutputs map[string]bool) bool {
	if len(priorOutputs) == 0 {
		return false
	}
	for _, in := range inputs {
		if priorOutputs[in] {
			return true
		}
	}
	return false
}

func scopeOf(path string) string {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return ""
	}
	return path[:i]
}

func pathJoin(prefix, seg string) string {
	if prefix == "" {
		return seg
	}
	return prefix + "/" + seg
}

func resolve(name string, env map[string]string) string {
	if v, ok := env[name]; ok {
		return v
	}
	return name
}

func cloneEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}

func toSlice(v interface{}) ([]interface{}, bool) {
	switch s := v.(type) {
	case []interface{}:
		return s, true
	case []string:
		out := make([]interface{}, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	default:
		return nil, false
	}
}
