package ruleengine

import (
	"fmt"

	"github.com/steep-wms/steep/pkg/model"
)

// validate checks static well-formedness before any decomposition runs:
// every serviceId referenced exists in the catalog, every required
// parameter is bound, and every bound variable is declared somewhere in an
// enclosing scope (spec §4.1 "Edge cases": a workflow referencing an
// undeclared variable or unknown service fails validation, never silently
// stalls).
func (e *Engine) validate(wf model.Workflow) error {
	declared := make(map[string]bool, len(wf.Variables))
	for _, v := range wf.Variables {
		declared[v.ID] = true
	}
	_, err := e.validateActions(wf.Actions, "", declared)
	return err
}

func (e *Engine) validateActions(actions []model.Action, prefix string, scope map[string]bool) (map[string]bool, error) {
	local := make(map[string]bool, len(scope))
	for k := range scope {
		local[k] = true
	}

	for idx, action := range actions {
		path := pathJoin(prefix, fmt.Sprintf("%d", idx))

		switch action.Kind {
		case model.ActionExecute:
			svc, err := e.catalog.Get(action.ServiceID)
			if err != nil {
				return nil, validationErr(path, "%v", err)
			}

			bound := make(map[string]bool, len(action.Bindings))
			for _, b := range action.Bindings {
				if _, ok := svc.Param(b.Parameter); !ok {
					return nil, validationErr(path, "service %q has no parameter %q", svc.ID, b.Parameter)
				}
				bound[b.Parameter] = true
				if b.Type == model.ArgOutput {
					local[b.Variable] = true
					continue
				}
				if !local[b.Variable] {
					return nil, validationErr(path, "variable %q used before it is declared", b.Variable)
				}
			}
			for _, p := range svc.Parameters {
				if p.Type != model.ArgOutput && !bound[p.Name] {
					return nil, validationErr(path, "service %q requires parameter %q", svc.ID, p.Name)
				}
			}

		case model.ActionForEach:
			if !local[action.Input] {
				return nil, validationErr(path, "for-each input %q used before it is declared", action.Input)
			}
			if action.IterationVariable == "" {
				return nil, validationErr(path, "for-each is missing an iteration variable")
			}
			inner := make(map[string]bool, len(local)+1)
			for k := range local {
				inner[k] = true
			}
			inner[action.IterationVariable] = true
			innerResult, err := e.validateActions(action.Actions, path, inner)
			if err != nil {
				return nil, err
			}
			if action.Output != "" && !innerResult[action.Output] {
				return nil, validationErr(path, "for-each output %q is never produced inside the loop", action.Output)
			}
			if action.YieldTarget != "" {
				local[action.YieldTarget] = true
			}

		default:
			return nil, validationErr(path, "unknown action kind %q", action.Kind)
		}
	}

	return local, nil
}
