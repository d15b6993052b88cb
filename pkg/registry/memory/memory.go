// Package memory is the reference SubmissionRegistry implementation: an
// RWMutex-guarded in-process store used by db.driver=inmemory and by every
// package that needs a registry in its unit tests. Structurally it is the
// teacher's tool registry (pkg/mcp/app/registry/registry.go) generalized
// from a name->tool map to submission/process-chain stores with
// insertion-ordered fetchNext and compare-and-swap status transitions.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/steep-wms/steep/pkg/domainerrors"
	"github.com/steep-wms/steep/pkg/model"
	"github.com/steep-wms/steep/pkg/registry"
)

type submissionEntry struct {
	sub      *model.Submission
	sequence int64
}

type chainEntry struct {
	chain *model.ProcessChain
}

// Registry is an in-memory SubmissionRegistry.
type Registry struct {
	mu sync.RWMutex

	submissions map[string]*submissionEntry
	subSeq      int64

	chains   map[string]*chainEntry
	chainSeq int64
}

// New returns an empty in-memory registry.
func New() *Registry {
	return &Registry{
		submissions: make(map[string]*submissionEntry),
		chains:      make(map[string]*chainEntry),
	}
}

var _ registry.SubmissionRegistry = (*Registry)(nil)

func (r *Registry) AddSubmission(_ context.Context, sub *model.Submission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.submissions[sub.ID]; exists {
		return domainerrors.Conflict("submission", sub.ID)
	}
	r.subSeq++
	clone := *sub
	r.submissions[sub.ID] = &submissionEntry{sub: &clone, sequence: r.subSeq}
	return nil
}

func (r *Registry) FindSubmissionByID(_ context.Context, id string) (*model.Submission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.submissions[id]
	if !ok {
		return nil, domainerrors.NotFound("submission", id)
	}
	clone := *e.sub
	return &clone, nil
}

func (r *Registry) FindSubmissionsByStatus(_ context.Context, status model.SubmissionStatus) ([]*model.Submission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.submissionsByStatusLocked(status), nil
}

func (r *Registry) submissionsByStatusLocked(status model.SubmissionStatus) []*model.Submission {
	entries := make([]*submissionEntry, 0)
	for _, e := range r.submissions {
		if e.sub.Status == status {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].sequence < entries[j].sequence })
	out := make([]*model.Submission, len(entries))
	for i, e := range entries {
		clone := *e.sub
		out[i] = &clone
	}
	return out
}

func (r *Registry) CountSubmissions(_ context.Context, status model.SubmissionStatus) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, e := range r.submissions {
		if e.sub.Status == status {
			count++
		}
	}
	return count, nil
}

func (r *Registry) mutateSubmission(id string, fn func(*model.Submission)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.submissions[id]
	if !ok {
		return domainerrors.NotFound("submission", id)
	}
	fn(e.sub)
	return nil
}

func (r *Registry) SetSubmissionStatus(_ context.Context, id string, status model.SubmissionStatus) error {
	return r.mutateSubmission(id, func(s *model.Submission) { s.Status = status })
}

func (r *Registry) SetSubmissionStartTime(_ context.Context, id string, t time.Time) error {
	return r.mutateSubmission(id, func(s *model.Submission) { s.StartTime = &t })
}

func (r *Registry) SetSubmissionEndTime(_ context.Context, id string, t time.Time) error {
	return r.mutateSubmission(id, func(s *model.Submission) { s.EndTime = &t })
}

func (r *Registry) SetSubmissionResults(_ context.Context, id string, results map[string][]string) error {
	return r.mutateSubmission(id, func(s *model.Submission) { s.Results = results })
}

func (r *Registry) GetSubmissionResults(_ context.Context, id string) (map[string][]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.submissions[id]
	if !ok {
		return nil, domainerrors.NotFound("submission", id)
	}
	return e.sub.Results, nil
}

func (r *Registry) SetSubmissionErrorMessage(_ context.Context, id string, msg string) error {
	return r.mutateSubmission(id, func(s *model.Submission) { s.ErrorMessage = msg })
}

func (r *Registry) SetSubmissionExecutionState(_ context.Context, id string, state map[string]interface{}) error {
	return r.mutateSubmission(id, func(s *model.Submission) { s.ExecutionState = state })
}

func (r *Registry) GetSubmissionExecutionState(_ context.Context, id string) (map[string]interface{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.submissions[id]
	if !ok {
		return nil, domainerrors.NotFound("submission", id)
	}
	return e.sub.ExecutionState, nil
}

// FetchNextSubmission is the CAS claim: the oldest submission (by insertion
// sequence) in currentStatus is atomically moved to newStatus under the
// registry's single write lock, so two callers never claim the same one
// (spec §4.2 invariant).
func (r *Registry) FetchNextSubmission(_ context.Context, currentStatus, newStatus model.SubmissionStatus) (*model.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *submissionEntry
	for _, e := range r.submissions {
		if e.sub.Status != currentStatus {
			continue
		}
		if best == nil || e.sequence < best.sequence {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}
	best.sub.Status = newStatus
	clone := *best.sub
	return &clone, nil
}

func (r *Registry) AddProcessChains(_ context.Context, chains []*model.ProcessChain) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range chains {
		if _, exists := r.submissions[c.SubmissionID]; !exists {
			return domainerrors.Validation("addProcessChains: unknown submissionId " + c.SubmissionID)
		}
	}
	for _, c := range chains {
		r.chainSeq++
		clone := *c
		clone.Sequence = r.chainSeq
		r.chains[c.ID] = &chainEntry{chain: &clone}
	}
	return nil
}

func (r *Registry) FindProcessChainsBySubmission(_ context.Context, submissionID string) ([]*model.ProcessChain, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]*chainEntry, 0)
	for _, e := range r.chains {
		if e.chain.SubmissionID == submissionID {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].chain.Sequence < entries[j].chain.Sequence })
	out := make([]*model.ProcessChain, len(entries))
	for i, e := range entries {
		clone := *e.chain
		out[i] = &clone
	}
	return out, nil
}

func (r *Registry) FindProcessChainsByStatus(_ context.Context, status model.ProcessChainStatus) ([]*model.ProcessChain, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]*chainEntry, 0)
	for _, e := range r.chains {
		if e.chain.Status == status {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].chain.Sequence < entries[j].chain.Sequence })
	out := make([]*model.ProcessChain, len(entries))
	for i, e := range entries {
		clone := *e.chain
		out[i] = &clone
	}
	return out, nil
}

func (r *Registry) CountProcessChainsByStatus(_ context.Context, status model.ProcessChainStatus) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, e := range r.chains {
		if e.chain.Status == status {
			count++
		}
	}
	return count, nil
}

// FetchNextProcessChain claims the oldest REGISTERED chain whose capability
// key is in capabilityKeys (or any chain, if capabilityKeys is empty),
// deterministically ordered by insertion sequence (spec §4.2).
func (r *Registry) FetchNextProcessChain(_ context.Context, currentStatus, newStatus model.ProcessChainStatus, capabilityKeys []string) (*model.ProcessChain, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	allowed := toSet(capabilityKeys)
	var best *chainEntry
	for _, e := range r.chains {
		if e.chain.Status != currentStatus {
			continue
		}
		if len(allowed) > 0 {
			if _, ok := allowed[e.chain.CapabilityKey()]; !ok {
				continue
			}
		}
		if best == nil || e.chain.Sequence < best.chain.Sequence {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}
	best.chain.Status = newStatus
	clone := *best.chain
	return &clone, nil
}

func toSet(vals []string) map[string]struct{} {
	set := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		set[v] = struct{}{}
	}
	return set
}

func (r *Registry) mutateChain(id string, fn func(*model.ProcessChain)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.chains[id]
	if !ok {
		return domainerrors.NotFound("processChain", id)
	}
	fn(e.chain)
	return nil
}

func (r *Registry) SetProcessChainStatus(_ context.Context, id string, status model.ProcessChainStatus) error {
	return r.mutateChain(id, func(c *model.ProcessChain) { c.Status = status })
}

// CompareAndSwapProcessChainStatus is the CAS primitive the scheduler's
// RUNNING-to-terminal transitions and the controller's orphan reclaim route
// through; the REGISTERED-to-RUNNING claim goes through FetchNextProcessChain
// (spec §9 Open Question 2).
func (r *Registry) CompareAndSwapProcessChainStatus(_ context.Context, id string, expected, newStatus model.ProcessChainStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.chains[id]
	if !ok {
		return false, domainerrors.NotFound("processChain", id)
	}
	if e.chain.Status != expected {
		return false, nil
	}
	e.chain.Status = newStatus
	return true, nil
}

func (r *Registry) SetAllProcessChainStatusBySubmission(_ context.Context, submissionID string, expected, newStatus model.ProcessChainStatus) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, e := range r.chains {
		if e.chain.SubmissionID != submissionID {
			continue
		}
		if e.chain.Status != expected {
			continue
		}
		e.chain.Status = newStatus
		count++
	}
	return count, nil
}

func (r *Registry) SetProcessChainAgent(_ context.Context, id string, agent string) error {
	return r.mutateChain(id, func(c *model.ProcessChain) { c.Agent = agent })
}

func (r *Registry) SetProcessChainStartTime(_ context.Context, id string, t time.Time) error {
	return r.mutateChain(id, func(c *model.ProcessChain) { c.StartTime = &t })
}

func (r *Registry) SetProcessChainEndTime(_ context.Context, id string, t time.Time) error {
	return r.mutateChain(id, func(c *model.ProcessChain) { c.EndTime = &t })
}

func (r *Registry) SetProcessChainResults(_ context.Context, id string, results map[string][]string) error {
	return r.mutateChain(id, func(c *model.ProcessChain) { c.Results = results })
}

func (r *Registry) GetProcessChainResults(_ context.Context, id string) (map[string][]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.chains[id]
	if !ok {
		return nil, domainerrors.NotFound("processChain", id)
	}
	return e.chain.Results, nil
}

func (r *Registry) SetProcessChainErrorMessage(_ context.Context, id string, msg string) error {
	return r.mutateChain(id, func(c *model.ProcessChain) { c.ErrorMessage = msg })
}

func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submissions = make(map[string]*submissionEntry)
	r.chains = make(map[string]*chainEntry)
	return nil
}
