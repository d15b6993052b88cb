package agentregistry

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steep-wms/steep/pkg/eventbus"
	"github.com/steep-wms/steep/pkg/eventbus/inmembus"
)

func announce(bus eventbus.Bus, id string, capabilities []string) {
	caps := make([]interface{}, len(capabilities))
	for i, c := range capabilities {
		caps[i] = c
	}
	bus.Publish(eventbus.NodeAddedAddress, eventbus.Message{"agentId": id, "capabilities": caps})
}

func registerAllocator(bus eventbus.Bus, id string, reply bool) func() {
	return bus.Register(eventbus.AgentAddress(id), func(_ context.Context, msg eventbus.Message) (eventbus.Message, error) {
		if msg["action"] != eventbus.ActionAllocate {
			return eventbus.Message{}, nil
		}
		return eventbus.Message{"allocated": reply}, nil
	})
}

func waitForAgents(t *testing.T, reg *Registry, n int) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if len(reg.Snapshot()) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d agents to register", n)
}

func TestSelectCandidatesRoutesByCapability(t *testing.T) {
	bus := inmembus.New(zerolog.Nop())
	reg := New(bus, nil, time.Second, time.Second, zerolog.Nop())
	defer reg.Close()

	announce(bus, "docker-agent", []string{"docker"})
	announce(bus, "gpu-agent", []string{"gpu"})
	waitForAgents(t, reg, 2)

	candidates := reg.SelectCandidates([]Demand{
		{RequiredCapabilities: []string{"docker"}, Count: 1},
		{RequiredCapabilities: []string{"gpu"}, Count: 2},
	})

	require.Len(t, candidates, 1)
	assert.Equal(t, "gpu-agent", candidates[0].AgentAddress)
}

// TestSelectCandidatesReportsWinningDemandCapabilities ensures a candidate
// carries the winning Demand's RequiredCapabilities, not its own advertised
// Capabilities, so callers matching chains back to a candidate by
// capability key still work when an agent advertises a strict superset of
// what the chain requires.
func TestSelectCandidatesReportsWinningDemandCapabilities(t *testing.T) {
	bus := inmembus.New(zerolog.Nop())
	reg := New(bus, nil, time.Second, time.Second, zerolog.Nop())
	defer reg.Close()

	announce(bus, "wide-agent", []string{"docker", "gpu"})
	waitForAgents(t, reg, 1)

	candidates := reg.SelectCandidates([]Demand{{RequiredCapabilities: []string{"docker"}, Count: 1}})

	require.Len(t, candidates, 1)
	assert.Equal(t, []string{"docker", "gpu"}, candidates[0].Capabilities)
	assert.Equal(t, []string{"docker"}, candidates[0].RequiredCapabilities)
}

func TestTryAllocateIdleTimeout(t *testing.T) {
	bus := inmembus.New(zerolog.Nop())
	reg := New(bus, nil, 30*time.Millisecond, time.Second, zerolog.Nop())
	defer reg.Close()

	announce(bus, "worker-1", []string{"docker"})
	waitForAgents(t, reg, 1)

	unregister := registerAllocator(bus, "worker-1", true)
	defer unregister()

	ctx := context.Background()
	ok, err := reg.TryAllocate(ctx, "worker-1")
	require.NoError(t, err)
	require.True(t, ok)

	// Registry's own view is busy now; a second allocate must be refused by
	// candidate selection even though the (test) agent side would still say
	// yes — SelectCandidates excludes leased agents regardless of what the
	// remote handler answers.
	candidates := reg.SelectCandidates([]Demand{{RequiredCapabilities: []string{"docker"}, Count: 1}})
	assert.Empty(t, candidates)

	time.Sleep(50 * time.Millisecond)

	candidates = reg.SelectCandidates([]Demand{{RequiredCapabilities: []string{"docker"}, Count: 1}})
	require.Len(t, candidates, 1, "lease should have expired")
}

func TestTryAllocateUnknownAddressReturnsNoAgent(t *testing.T) {
	bus := inmembus.New(zerolog.Nop())
	reg := New(bus, nil, time.Second, time.Second, zerolog.Nop())
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	ok, err := reg.TryAllocate(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReleaseStartsIdleLease(t *testing.T) {
	bus := inmembus.New(zerolog.Nop())
	reg := New(bus, nil, time.Second, 20*time.Millisecond, zerolog.Nop())
	defer reg.Close()

	announce(bus, "worker-2", []string{"docker"})
	waitForAgents(t, reg, 1)
	unregister := registerAllocator(bus, "worker-2", true)
	defer unregister()

	ctx := context.Background()
	ok, err := reg.TryAllocate(ctx, "worker-2")
	require.NoError(t, err)
	require.True(t, ok)

	reg.Release("worker-2")
	candidates := reg.SelectCandidates([]Demand{{RequiredCapabilities: []string{"docker"}, Count: 1}})
	assert.Len(t, candidates, 1, "released agent is immediately available again")
}
