package testutils

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/couchbaselabs/dstopo/dsinstance"
	"github.com/couchbaselabs/dstopo/replication"
	"github.com/couchbaselabs/dstopo/topology"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// RequireDsTools skips the test unless integration tests were requested and
// the 389-ds administration tools are on the PATH.
func RequireDsTools(t *testing.T) {
	if !GetTestConfig(t).Integration {
		t.Skip("set DSTEST_INTEGRATION=true to run against real instances")
	}

	for _, tool := range []string{"dscreate", "dsctl", "dsconf", "ldapmodify", "ldapsearch"} {
		_, err := exec.LookPath(tool)
		if err != nil {
			t.Skipf("%s is not installed", tool)
		}
	}
}

// CreateTopology builds a topology against real instances and closes it when
// the test finishes.  The DSTOPO_* settings apply as they do for the command
// line tool, with the DSTEST_* test settings layered on top.  cleanup may be
// nil.
func CreateTopology(t *testing.T, counts topology.Counts, suffix string, cleanup func(ctx context.Context) error) *topology.Topology {
	RequireDsTools(t)
	cfg := GetTestConfig(t)

	opts := topology.OptionsFromEnv()
	opts.Logger = zaptest.NewLogger(t)
	opts.Counts = counts
	opts.Suffix = suffix
	opts.Host = cfg.Host
	if cfg.PortOffset != 0 {
		opts.PortOffset = cfg.PortOffset
	}
	opts.TLS = opts.TLS || cfg.TLS
	opts.CheckPorts = true
	if opts.CADir == "" {
		opts.CADir = t.TempDir()
	}
	opts.Cleanup = cleanup

	return build(t, opts)
}

// MemoryTopology is a topology whose instances and agreements only exist in
// memory, along with the backends that simulate them.
type MemoryTopology struct {
	*topology.Topology
	Factory *dsinstance.MemoryFactory
	Manager *replication.MemoryManager
}

// CreateMemoryTopology builds a simulated topology with the watchdog disabled
// and closes it when the test finishes.  DSTOPO_* settings other than the
// deadline and CA directory apply.
func CreateMemoryTopology(t *testing.T, counts topology.Counts, suffix string) *MemoryTopology {
	manager := replication.NewMemoryManager(replication.MemoryManagerOptions{Suffix: suffix})
	factory := dsinstance.NewMemoryFactory(dsinstance.MemoryFactoryOptions{
		OnDelete: manager.Forget,
	})

	// simulated instances have no processes for the watchdog to signal
	deadline := time.Duration(0)

	opts := topology.OptionsFromEnv()
	opts.Logger = zaptest.NewLogger(t)
	opts.Counts = counts
	opts.Suffix = suffix
	opts.Deadline = &deadline
	opts.CADir = t.TempDir()
	opts.FIPSProbe = func() bool { return false }
	opts.Factory = factory
	opts.Manager = manager

	topo := build(t, opts)

	return &MemoryTopology{
		Topology: topo,
		Factory:  factory,
		Manager:  manager,
	}
}

func build(t *testing.T, opts *topology.Options) *topology.Topology {
	topo, err := topology.Build(context.Background(), opts)
	require.NoError(t, err)

	t.Cleanup(func() {
		err := topo.Close(context.Background())
		if err != nil {
			t.Errorf("failed to close topology: %v", err)
		}
	})

	return topo
}

// SetTestDeadline overrides the process-wide topology deadline for the rest
// of the test.
func SetTestDeadline(t *testing.T, seconds int) {
	topology.SetGlobalDeadline(seconds)
	t.Cleanup(func() {
		topology.SetGlobalDeadline(-1)
	})
}
