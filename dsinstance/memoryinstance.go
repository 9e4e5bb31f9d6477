package dsinstance

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

type MemoryFactoryOptions struct {
	Logger *zap.Logger

	// FirstPID is the process id handed to the first instance started.
	FirstPID int

	// OnDelete is invoked after an instance has been deleted.
	OnDelete func(serverID string)
}

type memoryState struct {
	created  bool
	running  bool
	pid      int
	tls      *TLSConfig
	config   map[string]string
	calls    []string
	failures map[string]error
}

// MemoryFactory hands out instances whose whole lifecycle is simulated in
// memory.  State is keyed by server id and shared between allocations, so a
// second allocation of the same id observes what the first one created.
type MemoryFactory struct {
	logger   *zap.Logger
	onDelete func(serverID string)

	lock    sync.Mutex
	nextPID int
	states  map[string]*memoryState
}

var _ Factory = (*MemoryFactory)(nil)

func NewMemoryFactory(opts MemoryFactoryOptions) *MemoryFactory {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	firstPID := opts.FirstPID
	if firstPID <= 0 {
		firstPID = 40000
	}

	return &MemoryFactory{
		logger:   logger,
		onDelete: opts.OnDelete,
		nextPID:  firstPID,
		states:   make(map[string]*memoryState),
	}
}

func (f *MemoryFactory) stateLocked(serverID string) *memoryState {
	state, ok := f.states[serverID]
	if !ok {
		state = &memoryState{
			config:   make(map[string]string),
			failures: make(map[string]error),
		}
		f.states[serverID] = state
	}
	return state
}

func (f *MemoryFactory) Allocate(params Params) (Instance, error) {
	if !validServerID(params.ServerID) {
		return nil, fmt.Errorf("server id %q: %w", params.ServerID, ErrInvalidName)
	}

	f.lock.Lock()
	f.stateLocked(params.ServerID)
	f.lock.Unlock()

	return &MemoryInstance{
		factory: f,
		logger:  f.logger.Named(params.ServerID),
		params:  params,
	}, nil
}

// Preexisting marks an instance as already present, as if left behind by an
// earlier run.
func (f *MemoryFactory) Preexisting(serverID string) {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.stateLocked(serverID).created = true
}

// FailOn makes the next call of op on serverID return err.  Ops are the
// lowercase method names, e.g. "create", "stop" or "delete".
func (f *MemoryFactory) FailOn(serverID, op string, err error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.stateLocked(serverID).failures[op] = err
}

// Created lists the server ids that currently exist.
func (f *MemoryFactory) Created() []string {
	f.lock.Lock()
	defer f.lock.Unlock()

	var ids []string
	for id, state := range f.states {
		if state.created {
			ids = append(ids, id)
		}
	}
	return ids
}

func (f *MemoryFactory) IsRunning(serverID string) bool {
	f.lock.Lock()
	defer f.lock.Unlock()

	state, ok := f.states[serverID]
	return ok && state.running
}

func (f *MemoryFactory) Config(serverID string) map[string]string {
	f.lock.Lock()
	defer f.lock.Unlock()

	state, ok := f.states[serverID]
	if !ok {
		return nil
	}
	return maps.Clone(state.config)
}

func (f *MemoryFactory) TLS(serverID string) *TLSConfig {
	f.lock.Lock()
	defer f.lock.Unlock()

	state, ok := f.states[serverID]
	if !ok || state.tls == nil {
		return nil
	}
	cfg := *state.tls
	return &cfg
}

// Calls returns the ordered list of lifecycle operations performed on serverID.
func (f *MemoryFactory) Calls(serverID string) []string {
	f.lock.Lock()
	defer f.lock.Unlock()

	state, ok := f.states[serverID]
	if !ok {
		return nil
	}
	return append([]string(nil), state.calls...)
}

type MemoryInstance struct {
	factory *MemoryFactory
	logger  *zap.Logger
	params  Params
}

var _ Instance = (*MemoryInstance)(nil)

func (i *MemoryInstance) ServerID() string { return i.params.ServerID }
func (i *MemoryInstance) Host() string     { return i.params.Host }
func (i *MemoryInstance) Port() int        { return i.params.Port }
func (i *MemoryInstance) SecurePort() int  { return i.params.SecurePort }
func (i *MemoryInstance) Role() Role       { return i.params.Role }
func (i *MemoryInstance) ReplicaID() int   { return i.params.ReplicaID }
func (i *MemoryInstance) Suffix() string   { return i.params.Suffix }

// do records op and runs fn under the factory lock unless a failure was
// injected for it.
func (i *MemoryInstance) do(op string, fn func(state *memoryState) error) error {
	i.factory.lock.Lock()
	defer i.factory.lock.Unlock()

	state := i.factory.stateLocked(i.params.ServerID)
	state.calls = append(state.calls, op)

	if err, ok := state.failures[op]; ok {
		delete(state.failures, op)
		return err
	}

	if fn == nil {
		return nil
	}
	return fn(state)
}

func (i *MemoryInstance) Exists(ctx context.Context) (bool, error) {
	exists := false
	err := i.do("exists", func(state *memoryState) error {
		exists = state.created
		return nil
	})
	return exists, err
}

func (i *MemoryInstance) Create(ctx context.Context) error {
	return i.do("create", func(state *memoryState) error {
		state.created = true
		state.running = true
		state.pid = i.factory.nextPID
		i.factory.nextPID++
		return nil
	})
}

func (i *MemoryInstance) Open(ctx context.Context) error {
	return i.do("open", func(state *memoryState) error {
		if !state.created {
			return ErrNotCreated
		}
		if !state.running {
			return ErrNotRunning
		}
		return nil
	})
}

func (i *MemoryInstance) Start(ctx context.Context) error {
	return i.do("start", func(state *memoryState) error {
		if !state.created {
			return ErrNotCreated
		}
		if !state.running {
			state.running = true
			state.pid = i.factory.nextPID
			i.factory.nextPID++
		}
		return nil
	})
}

func (i *MemoryInstance) Stop(ctx context.Context) error {
	return i.do("stop", func(state *memoryState) error {
		state.running = false
		state.pid = 0
		return nil
	})
}

func (i *MemoryInstance) Restart(ctx context.Context) error {
	return i.do("restart", func(state *memoryState) error {
		if !state.created {
			return ErrNotCreated
		}
		state.running = true
		state.pid = i.factory.nextPID
		i.factory.nextPID++
		return nil
	})
}

func (i *MemoryInstance) Delete(ctx context.Context) error {
	err := i.do("delete", func(state *memoryState) error {
		state.created = false
		state.running = false
		state.pid = 0
		state.tls = nil
		state.config = make(map[string]string)
		return nil
	})
	if err != nil {
		return err
	}

	i.logger.Debug("instance deleted")
	if i.factory.onDelete != nil {
		i.factory.onDelete(i.params.ServerID)
	}
	return nil
}

func (i *MemoryInstance) SetConfig(ctx context.Context, key, value string) error {
	return i.do("setconfig", func(state *memoryState) error {
		if !state.created {
			return ErrNotCreated
		}
		state.config[key] = value
		return nil
	})
}

func (i *MemoryInstance) EnableTLS(ctx context.Context, cfg TLSConfig) error {
	return i.do("enabletls", func(state *memoryState) error {
		if !state.created {
			return ErrNotCreated
		}
		state.tls = &cfg
		return nil
	})
}

func (i *MemoryInstance) PID() (int, error) {
	i.factory.lock.Lock()
	defer i.factory.lock.Unlock()

	state := i.factory.stateLocked(i.params.ServerID)
	if !state.running || state.pid == 0 {
		return 0, ErrNoPID
	}
	return state.pid, nil
}
