// Package registry defines SubmissionRegistry, the narrow storage contract
// the scheduler and controller treat as an abstract store (spec §4.2).
// Three backends satisfy it: pkg/registry/memory (the reference
// implementation, mutex-guarded), pkg/registry/postgres (jackc/pgx/v5,
// SELECT ... FOR UPDATE SKIP LOCKED), and pkg/registry/mongo
// (go.mongodb.org/mongo-driver, FindOneAndUpdate). The black-box contract
// suite in pkg/registry/registrytest takes any backend, the way the
// teacher's registry package (pkg/mcp/app/registry/registry.go) is
// exercised by a single shared test file regardless of what's behind it;
// only pkg/registry/memory has a test file that runs it.
package registry

import (
	"context"
	"time"

	"github.com/steep-wms/steep/pkg/model"
)

// SubmissionRegistry is the storage contract every core component depends
// on through this interface alone, never a concrete backend.
type SubmissionRegistry interface {
	AddSubmission(ctx context.Context, sub *model.Submission) error
	FindSubmissionByID(ctx context.Context, id string) (*model.Submission, error)
	FindSubmissionsByStatus(ctx context.Context, status model.SubmissionStatus) ([]*model.Submission, error)
	CountSubmissions(ctx context.Context, status model.SubmissionStatus) (int, error)
	SetSubmissionStatus(ctx context.Context, id string, status model.SubmissionStatus) error
	SetSubmissionStartTime(ctx context.Context, id string, t time.Time) error
	SetSubmissionEndTime(ctx context.Context, id string, t time.Time) error
	SetSubmissionResults(ctx context.Context, id string, results map[string][]string) error
	GetSubmissionResults(ctx context.Context, id string) (map[string][]string, error)
	SetSubmissionErrorMessage(ctx context.Context, id string, msg string) error
	SetSubmissionExecutionState(ctx context.Context, id string, state map[string]interface{}) error
	GetSubmissionExecutionState(ctx context.Context, id string) (map[string]interface{}, error)
	// FetchNextSubmission atomically claims one submission currently in
	// currentStatus, moving it to newStatus, and returns it. Returns
	// (nil, nil) if none are available.
	FetchNextSubmission(ctx context.Context, currentStatus, newStatus model.SubmissionStatus) (*model.Submission, error)

	AddProcessChains(ctx context.Context, chains []*model.ProcessChain) error
	FindProcessChainsBySubmission(ctx context.Context, submissionID string) ([]*model.ProcessChain, error)
	FindProcessChainsByStatus(ctx context.Context, status model.ProcessChainStatus) ([]*model.ProcessChain, error)
	CountProcessChainsByStatus(ctx context.Context, status model.ProcessChainStatus) (int, error)
	// FetchNextProcessChain atomically claims the oldest (by insertion
	// sequence) chain matching currentStatus and, when capabilityKeys is
	// non-empty, one of those capability keys, moving it to newStatus.
	FetchNextProcessChain(ctx context.Context, currentStatus, newStatus model.ProcessChainStatus, capabilityKeys []string) (*model.ProcessChain, error)
	SetProcessChainStatus(ctx context.Context, id string, status model.ProcessChainStatus) error
	// CompareAndSwapProcessChainStatus performs the swap only if the
	// chain's current status equals expected, returning whether it did.
	CompareAndSwapProcessChainStatus(ctx context.Context, id string, expected, newStatus model.ProcessChainStatus) (bool, error)
	SetAllProcessChainStatusBySubmission(ctx context.Context, submissionID string, expected, newStatus model.ProcessChainStatus) (int, error)
	// SetProcessChainAgent records the address of the agent a chain was
	// dispatched to, so the controller's orphan scan can tell whether a
	// RUNNING chain's owner is still advertised in the cluster.
	SetProcessChainAgent(ctx context.Context, id string, agent string) error
	SetProcessChainStartTime(ctx context.Context, id string, t time.Time) error
	SetProcessChainEndTime(ctx context.Context, id string, t time.Time) error
	SetProcessChainResults(ctx context.Context, id string, results map[string][]string) error
	GetProcessChainResults(ctx context.Context, id string) (map[string][]string, error)
	SetProcessChainErrorMessage(ctx context.Context, id string, msg string) error

	Close() error
}
