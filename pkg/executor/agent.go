// Package executor is the LocalAgent (spec §4.4): the single component on a
// node that actually runs a process chain's executables. It batches mkdir
// calls, runs executables strictly in order on the worker pool, retries
// each per its policy, publishes rounded progress, and materializes OUTPUT
// arguments into concrete value lists once the chain succeeds.
package executor

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/steep-wms/steep/pkg/domainerrors"
	"github.com/steep-wms/steep/pkg/eventbus"
	"github.com/steep-wms/steep/pkg/executor/mkdircache"
	"github.com/steep-wms/steep/pkg/executor/runtime"
	"github.com/steep-wms/steep/pkg/metrics"
	"github.com/steep-wms/steep/pkg/model"
	"github.com/steep-wms/steep/pkg/workerpool"
)

// OutputAdapter turns one OUTPUT argument's resolved filesystem path into
// its list of concrete values, for dataTypes the raw recursive filesystem
// walk isn't right for (spec §9 Open Question 3: adapters take precedence
// over the raw path).
type OutputAdapter func(ctx context.Context, resolvedPath string) ([]string, error)

// ProgressEstimator turns a captured-output snapshot into a fractional
// [0,1] completion estimate for the executable currently running.
type ProgressEstimator func(lines []string) float64

// Agent is one node's LocalAgent.
type Agent struct {
	ID           string
	Capabilities []string
	OutPath      string
	OutputLines  int
	BusyTimeout  time.Duration
	IdleTimeout  time.Duration

	bus      eventbus.Bus
	runtimes *runtime.Registry
	mkdirs   *mkdircache.Cache
	pool     *workerpool.Pool
	mcs      *metrics.Collector
	log      zerolog.Logger

	adapters   map[string]OutputAdapter
	estimators map[string]ProgressEstimator

	mu            sync.Mutex
	busy          bool
	leaseTimer    *time.Timer
	currentCancel context.CancelFunc
	progress      float64
	lastProgress  map[string]float64

	deregisterHandler func()
}

// New constructs a LocalAgent. rt may be nil to use the default registry
// (built-in "other" and "docker" runtimes only). busyTimeout is how long
// an allocation stays leased when no chain arrives. idleTimeout is the
// lease timer restarted after each completed chain; the agent clears its
// busy flag as soon as the chain finishes, so it accepts a new allocation
// at once rather than staying leased for idleTimeout. Values <= 0 fall back
// to 30s/10s.
func New(id string, capabilities []string, outPath string, outputLines int, busyTimeout, idleTimeout time.Duration, bus eventbus.Bus, pool *workerpool.Pool, mcs *metrics.Collector, rt *runtime.Registry, log zerolog.Logger) *Agent {
	if rt == nil {
		rt = runtime.NewRegistry()
	}
	if outputLines <= 0 {
		outputLines = 100
	}
	if busyTimeout <= 0 {
		busyTimeout = 30 * time.Second
	}
	if idleTimeout <= 0 {
		idleTimeout = 10 * time.Second
	}
	return &Agent{
		ID:           id,
		Capabilities: capabilities,
		OutPath:      outPath,
		OutputLines:  outputLines,
		BusyTimeout:  busyTimeout,
		IdleTimeout:  idleTimeout,
		bus:          bus,
		runtimes:     rt,
		mkdirs:       mkdircache.New(4096, time.Minute),
		pool:         pool,
		mcs:          mcs,
		log:          log.With().Str("component", "executor").Str("agent", id).Logger(),
		adapters:     make(map[string]OutputAdapter),
		estimators:   make(map[string]ProgressEstimator),
		lastProgress: make(map[string]float64),
	}
}

// RegisterOutputAdapter installs the adapter for a dataType.
func (a *Agent) RegisterOutputAdapter(dataType string, adapter OutputAdapter) {
	a.adapters[dataType] = adapter
}

// RegisterProgressEstimator installs a progress estimator for a serviceId.
func (a *Agent) RegisterProgressEstimator(serviceID string, estimator ProgressEstimator) {
	a.estimators[serviceID] = estimator
}

// Start registers the agent's request/reply handler and announces presence.
func (a *Agent) Start() {
	a.deregisterHandler = a.bus.Register(eventbus.AgentAddress(a.ID), a.handle)
	caps := make([]interface{}, len(a.Capabilities))
	for i, c := range a.Capabilities {
		caps[i] = c
	}
	a.bus.Publish(eventbus.NodeAddedAddress, eventbus.Message{"agentId": a.ID, "capabilities": caps})
	a.log.Info().Strs("capabilities", a.Capabilities).Msg("agent started")
}

// Stop announces departure and deregisters the handler.
func (a *Agent) Stop() {
	a.bus.Publish(eventbus.NodeLeftAddress, eventbus.Message{"agentId": a.ID})
	if a.deregisterHandler != nil {
		a.deregisterHandler()
	}
}

func (a *Agent) handle(ctx context.Context, msg eventbus.Message) (eventbus.Message, error) {
	action, _ := msg["action"].(string)
	switch action {
	case eventbus.ActionAllocate:
		return a.handleAllocate(), nil
	case eventbus.ActionExecute:
		return a.handleExecute(ctx, msg)
	case eventbus.ActionCancel:
		a.handleCancel()
		return eventbus.Message{"cancelled": true}, nil
	case eventbus.ActionGetProgress:
		a.mu.Lock()
		p := a.progress
		a.mu.Unlock()
		return eventbus.Message{"estimatedProgress": p}, nil
	default:
		return eventbus.Message{}, nil
	}
}

func (a *Agent) handleAllocate() eventbus.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.busy {
		return eventbus.Message{"allocated": false}
	}
	a.busy = true
	a.resetLeaseLocked(a.BusyTimeout)
	return eventbus.Message{"allocated": true}
}

func (a *Agent) resetLeaseLocked(d time.Duration) {
	if a.leaseTimer != nil {
		a.leaseTimer.Stop()
	}
	a.leaseTimer = time.AfterFunc(d, func() {
		a.mu.Lock()
		a.busy = false
		a.mu.Unlock()
	})
}

func (a *Agent) handleCancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.currentCancel != nil {
		a.currentCancel()
	}
}

func (a *Agent) handleExecute(ctx context.Context, msg eventbus.Message) (eventbus.Message, error) {
	chain, ok := msg["chain"].(*model.ProcessChain)
	if !ok {
		return eventbus.Message{}, domainerrors.Validation("execute: missing chain")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.currentCancel = cancel
	a.mu.Unlock()
	defer cancel()

	done := make(chan struct{})
	var results map[string][]string
	var runErr error
	_ = a.pool.Submit(func(context.Context) {
		defer close(done)
		results, runErr = a.Execute(runCtx, chain)
	})

	select {
	case <-done:
	case <-ctx.Done():
		cancel()
		<-done
	}

	a.mu.Lock()
	a.currentCancel = nil
	a.busy = false
	a.resetLeaseLocked(a.IdleTimeout)
	a.mu.Unlock()

	if runErr != nil {
		reply := eventbus.Message{"error": runErr.Error()}
		var derr *domainerrors.Error
		if e, ok := runErr.(*domainerrors.Error); ok {
			derr = e
			reply["kind"] = string(derr.Kind)
			if derr.ExitCode != nil {
				reply["exitCode"] = *derr.ExitCode
			}
			reply["lastOutput"] = derr.LastOutput
			reply["message"] = derr.Message
		}
		return reply, nil
	}
	return eventbus.Message{"results": results}, nil
}

// Execute runs chain's mkdir phase then every executable strictly in
// order, publishing rounded progress after each, and returns the
// OUTPUT-variable -> values map on success (spec §4.4).
func (a *Agent) Execute(ctx context.Context, chain *model.ProcessChain) (map[string][]string, error) {
	if err := a.mkdirPhase(ctx, chain); err != nil {
		return nil, err
	}

	length := len(chain.Executables)
	for idx, exec := range chain.Executables {
		if ctx.Err() != nil {
			return nil, domainerrors.Cancelled("chain cancelled before executable " + strconv.Itoa(idx))
		}
		if err := a.runExecutable(ctx, chain, idx, length, exec); err != nil {
			return nil, err
		}
	}

	return a.collectOutputs(ctx, chain)
}

func (a *Agent) mkdirPhase(ctx context.Context, chain *model.ProcessChain) error {
	dirSet := make(map[string]struct{})
	for _, exec := range chain.Executables {
		for _, arg := range exec.Args {
			if arg.Type != model.ArgOutput {
				continue
			}
			dirSet[filepath.Dir(a.resolvePath(chain, arg))] = struct{}{}
		}
	}
	if len(dirSet) == 0 {
		return nil
	}

	dirs := make([]string, 0, len(dirSet))
	for d := range dirSet {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	dirs = a.mkdirs.Filter(dirs)

	const batchSize = 100
	for i := 0; i < len(dirs); i += batchSize {
		end := i + batchSize
		if end > len(dirs) {
			end = len(dirs)
		}
		batch := dirs[i:end]
		if ctx.Err() != nil {
			return domainerrors.Cancelled("chain cancelled during mkdir phase")
		}
		for _, d := range batch {
			if err := os.MkdirAll(d, 0o755); err != nil {
				return domainerrors.New().Kind(domainerrors.KindExecution).Code(domainerrors.CodeExecutionIOFailure).
					Messagef("mkdir %s: %v", d, err).Cause(err).Build()
			}
		}
	}
	return nil
}

func (a *Agent) runExecutable(ctx context.Context, chain *model.ProcessChain, idx, length int, exec model.Executable) error {
	policy := exec.Retries
	if policy == nil {
		p := model.DefaultRetryPolicy()
		policy = &p
	}

	var boff backoff.BackOff
	if policy.ExponentialBackoff {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = policy.Delay
		boff = eb
	} else {
		boff = backoff.NewConstantBackOff(policy.Delay)
	}

	rt, ok := a.runtimes.Get(exec.Runtime)
	if !ok {
		return domainerrors.New().Kind(domainerrors.KindExecution).Code(domainerrors.CodeExecutionFailed).
			Messagef("unknown runtime %q", exec.Runtime).Build()
	}

	args := make([]string, 0, len(exec.Args))
	for _, arg := range exec.Args {
		switch {
		case arg.Type == model.ArgOutput:
			args = append(args, a.resolvePath(chain, arg))
		case arg.Value != nil:
			args = append(args, fmt.Sprintf("%v", arg.Value))
		default:
			// No literal value carried: Variable names an OUTPUT produced
			// earlier in this same chain, resolved the same way that
			// step's own OUTPUT argument was.
			args = append(args, a.resolvePath(chain, arg))
		}
	}

	var lastErr error
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return domainerrors.Cancelled("chain cancelled")
		}

		ring := newOutputRing(a.OutputLines)
		estimator := a.estimators[exec.ServiceID]
		err := rt.Run(ctx, exec.Path, args, func(line string) {
			ring.push(line)
			if estimator != nil {
				frac := estimator(ring.snapshot())
				a.publishProgress(chain.ID, progressValue(idx, frac, length))
			}
		})

		if err == nil {
			a.publishProgress(chain.ID, progressValue(idx, 1, length))
			return nil
		}

		if ctx.Err() != nil {
			return domainerrors.Cancelled("chain cancelled during executable")
		}

		lastErr = classifyError(err, ring)
		if !retryable(lastErr, policy.RetryOn) || attempt == maxAttempts {
			break
		}
		if a.mcs != nil {
			a.mcs.RetryTotal.WithLabelValues(exec.ServiceID).Inc()
		}
		time.Sleep(boff.NextBackOff())
	}

	return lastErr
}

func classifyError(err error, ring *outputRing) error {
	exitCode := -1
	if ee, ok := err.(interface{ ExitCode() int }); ok {
		exitCode = ee.ExitCode()
	}
	b := domainerrors.New().Kind(domainerrors.KindExecution).Code(domainerrors.CodeExecutionFailed).
		Message(err.Error()).LastOutput(ring.joined())
	if exitCode >= 0 {
		b = b.ExitCode(exitCode)
	}
	return b.Build()
}

func retryable(err error, retryOn []string) bool {
	if len(retryOn) == 0 {
		return true
	}
	de, ok := err.(*domainerrors.Error)
	if !ok {
		return false
	}
	for _, k := range retryOn {
		if k == string(de.Kind) || k == string(de.Code) {
			return true
		}
	}
	return false
}

// progressValue is (index + fractional) / chainLength rounded to two
// decimals (spec §4.4 step 5).
func progressValue(index int, fractional float64, length int) float64 {
	if length == 0 {
		return 1
	}
	p := (float64(index) + fractional) / float64(length)
	return math.Round(p*100) / 100
}

func (a *Agent) publishProgress(chainID string, p float64) {
	a.mu.Lock()
	if a.lastProgress[chainID] == p {
		a.mu.Unlock()
		return
	}
	a.lastProgress[chainID] = p
	a.progress = p
	a.mu.Unlock()
	a.bus.Publish(eventbus.ProgressAddress, eventbus.Message{"processChainId": chainID, "estimatedProgress": p})
}

// collectOutputs materializes every OUTPUT argument across the chain into
// its list of concrete values, preferring a registered adapter for the
// argument's dataType over the raw recursive filesystem walk (spec §9 Open
// Question 3).
func (a *Agent) collectOutputs(ctx context.Context, chain *model.ProcessChain) (map[string][]string, error) {
	out := make(map[string][]string)
	for _, exec := range chain.Executables {
		for _, arg := range exec.Args {
			if arg.Type != model.ArgOutput {
				continue
			}
			resolved := a.resolvePath(chain, arg)
			if adapter, ok := a.adapters[arg.DataType]; ok {
				values, err := adapter(ctx, resolved)
				if err != nil {
					return nil, domainerrors.New().Kind(domainerrors.KindExecution).Code(domainerrors.CodeExecutionIOFailure).
						Messagef("output adapter for %s: %v", arg.DataType, err).Cause(err).Build()
				}
				out[arg.Variable] = values
				continue
			}
			values, err := enumerateFiles(resolved)
			if err != nil {
				return nil, domainerrors.New().Kind(domainerrors.KindExecution).Code(domainerrors.CodeExecutionIOFailure).
					Messagef("enumerate %s: %v", resolved, err).Cause(err).Build()
			}
			out[arg.Variable] = values
		}
	}
	return out, nil
}

func enumerateFiles(root string) ([]string, error) {
	var files []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// resolvePath deterministically maps an abstract OUTPUT variable id to a
// concrete filesystem path under outPath/submissionId/chainId/ (spec §6
// "OUTPUT arguments are paths").
func (a *Agent) resolvePath(chain *model.ProcessChain, arg model.Argument) string {
	safe := strings.NewReplacer("/", "_", "#", "_").Replace(arg.Variable)
	return filepath.Join(a.OutPath, chain.SubmissionID, chain.ID, safe)
}
