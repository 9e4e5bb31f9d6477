package topology

import (
	"context"
	"testing"
	"time"

	"github.com/couchbaselabs/dstopo/dsinstance"
	"github.com/couchbaselabs/dstopo/replication"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testSuffix = "dc=example,dc=com"

type memoryBackends struct {
	factory *dsinstance.MemoryFactory
	manager *replication.MemoryManager
}

func newMemoryBackends() *memoryBackends {
	manager := replication.NewMemoryManager(replication.MemoryManagerOptions{Suffix: testSuffix})
	factory := dsinstance.NewMemoryFactory(dsinstance.MemoryFactoryOptions{
		FirstPID: 500,
		OnDelete: manager.Forget,
	})
	return &memoryBackends{factory: factory, manager: manager}
}

func noWatchdog() *time.Duration {
	d := time.Duration(0)
	return &d
}

func (b *memoryBackends) options(t *testing.T, counts Counts, suffix string) *Options {
	return &Options{
		Logger:    zaptest.NewLogger(t),
		Counts:    counts,
		Suffix:    suffix,
		Deadline:  noWatchdog(),
		CADir:     t.TempDir(),
		FIPSProbe: func() bool { return false },
		Factory:   b.factory,
		Manager:   b.manager,
	}
}

func (b *memoryBackends) build(t *testing.T, counts Counts) *Topology {
	topo, err := Build(context.Background(), b.options(t, counts, testSuffix))
	require.NoError(t, err)
	return topo
}

func edgeSet(agmts []replication.Agreement) map[string]int {
	out := make(map[string]int)
	for _, a := range agmts {
		out[a.String()]++
	}
	return out
}

func fromIDs(agmts []replication.Agreement) []string {
	var ids []string
	for _, a := range agmts {
		ids = append(ids, a.From)
	}
	return ids
}
