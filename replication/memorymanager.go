package replication

import (
	"context"
	"fmt"
	"sync"

	"github.com/couchbaselabs/dstopo/dsinstance"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

type MemoryManagerOptions struct {
	Logger *zap.Logger
	Suffix string
}

type memoryAgreement struct {
	Agreement
	paused bool
}

// MemoryManager keeps the agreement graph in memory.  It enforces the same
// ordering rules as a real deployment: an instance must have a replica
// identity, obtained from CreateFirstSupplier or one of the joins, before it
// can take part in an agreement.
type MemoryManager struct {
	logger *zap.Logger
	suffix string

	lock        sync.Mutex
	identities  map[string]int
	agreements  []*memoryAgreement
	waitedPairs []Agreement
}

var _ Manager = (*MemoryManager)(nil)

func NewMemoryManager(opts MemoryManagerOptions) *MemoryManager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &MemoryManager{
		logger:     logger,
		suffix:     opts.Suffix,
		identities: make(map[string]int),
	}
}

func (m *MemoryManager) requireIdentityLocked(inst dsinstance.Instance) error {
	if _, ok := m.identities[inst.ServerID()]; !ok {
		return fmt.Errorf("%s: %w", inst.ServerID(), ErrNoReplicaIdentity)
	}
	return nil
}

func (m *MemoryManager) findLocked(from, to string) *memoryAgreement {
	for _, agmt := range m.agreements {
		if agmt.From == from && agmt.To == to {
			return agmt
		}
	}
	return nil
}

func (m *MemoryManager) ensureLocked(from, to string) {
	if m.findLocked(from, to) != nil {
		return
	}

	m.logger.Debug("creating agreement",
		zap.String("from", from),
		zap.String("to", to))

	m.agreements = append(m.agreements, &memoryAgreement{
		Agreement: Agreement{From: from, To: to, Suffix: m.suffix},
	})
}

func (m *MemoryManager) CreateFirstSupplier(ctx context.Context, seed dsinstance.Instance) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.identities[seed.ServerID()] = seed.ReplicaID()
	return nil
}

func (m *MemoryManager) JoinSupplier(ctx context.Context, seed, supplier dsinstance.Instance) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if err := m.requireIdentityLocked(seed); err != nil {
		return err
	}

	m.identities[supplier.ServerID()] = supplier.ReplicaID()
	m.ensureLocked(seed.ServerID(), supplier.ServerID())
	m.ensureLocked(supplier.ServerID(), seed.ServerID())
	return nil
}

func (m *MemoryManager) JoinHub(ctx context.Context, seed, hub dsinstance.Instance) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if err := m.requireIdentityLocked(seed); err != nil {
		return err
	}

	m.identities[hub.ServerID()] = hub.ReplicaID()
	m.ensureLocked(seed.ServerID(), hub.ServerID())
	return nil
}

func (m *MemoryManager) JoinConsumer(ctx context.Context, feeder, consumer dsinstance.Instance) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if err := m.requireIdentityLocked(feeder); err != nil {
		return err
	}

	m.identities[consumer.ServerID()] = consumer.ReplicaID()
	m.ensureLocked(feeder.ServerID(), consumer.ServerID())
	return nil
}

func (m *MemoryManager) EnsureAgreement(ctx context.Context, from, to dsinstance.Instance) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if err := m.requireIdentityLocked(from); err != nil {
		return err
	}
	if err := m.requireIdentityLocked(to); err != nil {
		return err
	}

	m.ensureLocked(from.ServerID(), to.ServerID())
	return nil
}

func (m *MemoryManager) WaitForReplication(ctx context.Context, from, to dsinstance.Instance) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if err := m.requireIdentityLocked(from); err != nil {
		return err
	}
	if err := m.requireIdentityLocked(to); err != nil {
		return err
	}

	m.waitedPairs = append(m.waitedPairs, Agreement{From: from.ServerID(), To: to.ServerID(), Suffix: m.suffix})
	return ctx.Err()
}

func (m *MemoryManager) setPausedLocked(from string, paused bool) {
	for _, agmt := range m.agreements {
		if agmt.From == from {
			agmt.paused = paused
		}
	}
}

func (m *MemoryManager) PauseAgreements(ctx context.Context, inst dsinstance.Instance) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.setPausedLocked(inst.ServerID(), true)
	return nil
}

func (m *MemoryManager) ResumeAgreements(ctx context.Context, inst dsinstance.Instance) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.setPausedLocked(inst.ServerID(), false)
	return nil
}

// Agreements returns every agreement in creation order.
func (m *MemoryManager) Agreements() []Agreement {
	m.lock.Lock()
	defer m.lock.Unlock()

	out := make([]Agreement, 0, len(m.agreements))
	for _, agmt := range m.agreements {
		out = append(out, agmt.Agreement)
	}
	return out
}

func (m *MemoryManager) Inbound(serverID string) []Agreement {
	return slices.DeleteFunc(m.Agreements(), func(a Agreement) bool {
		return a.To != serverID
	})
}

func (m *MemoryManager) Outbound(serverID string) []Agreement {
	return slices.DeleteFunc(m.Agreements(), func(a Agreement) bool {
		return a.From != serverID
	})
}

// Paused reports whether the from->to agreement exists and is paused.
func (m *MemoryManager) Paused(from, to string) bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	agmt := m.findLocked(from, to)
	return agmt != nil && agmt.paused
}

func (m *MemoryManager) HasIdentity(serverID string) bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	_, ok := m.identities[serverID]
	return ok
}

// Waits returns the pairs WaitForReplication was called for.
func (m *MemoryManager) Waits() []Agreement {
	m.lock.Lock()
	defer m.lock.Unlock()

	return slices.Clone(m.waitedPairs)
}

// Forget drops the replica identity of a deleted instance along with every
// agreement it took part in.
func (m *MemoryManager) Forget(serverID string) {
	m.lock.Lock()
	defer m.lock.Unlock()

	delete(m.identities, serverID)
	m.agreements = slices.DeleteFunc(m.agreements, func(agmt *memoryAgreement) bool {
		return agmt.From == serverID || agmt.To == serverID
	})
}
