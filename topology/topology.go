/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package topology

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/couchbaselabs/dstopo/castore"
	"github.com/couchbaselabs/dstopo/dsinstance"
	"github.com/couchbaselabs/dstopo/pkg/metrics"
	"github.com/couchbaselabs/dstopo/replication"
	"github.com/couchbaselabs/dstopo/utils/cmdrunner"
	"github.com/couchbaselabs/dstopo/watchdog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type WatchdogOptions struct {
	TermCooldown time.Duration
	QuitCooldown time.Duration
	Signaler     watchdog.Signaler
	Sleep        watchdog.Sleeper
	OnTimeout    func(err *watchdog.TimeoutError)
}

type Options struct {
	Logger *zap.Logger

	Counts Counts
	Suffix string

	// Cleanup runs during Close, after every instance is stopped and before
	// anything is deleted.  It is skipped in keep-alive mode.
	Cleanup func(ctx context.Context) error

	// Deadline overrides the process-wide deadline for this topology.  Nil
	// uses GlobalDeadline, zero disables the watchdog.
	Deadline *time.Duration

	Host       string
	PortOffset int
	CheckPorts bool

	TLS                     bool
	DisableTLSHostnameCheck bool
	FIPSProbe               func() bool
	CADir                   string

	// Debug raises instance log levels and keeps instances on disk after
	// Close for post-mortem inspection.
	Debug bool

	// Factory and Manager default to the dscreate/dsctl/dsconf backed
	// implementations, which run the tools through Runner.
	Factory dsinstance.Factory
	Manager replication.Manager
	Runner  cmdrunner.Runner

	Watchdog WatchdogOptions
	Metrics  *metrics.TopoMetrics
}

// Topology is a provisioned and meshed set of instances.  The embedded
// Registry gives access to the instances themselves.
type Topology struct {
	*Registry

	logger    *zap.Logger
	runID     string
	manager   replication.Manager
	mesh      *MeshBuilder
	caStore   *castore.Store
	watchdog  *watchdog.Watchdog
	cleanup   func(ctx context.Context) error
	keepAlive bool
	tls       bool
	metrics   *metrics.TopoMetrics

	closeLock sync.Mutex
	closed    bool
}

func resolveDeadline(opts *Options) time.Duration {
	if opts.Deadline != nil {
		return *opts.Deadline
	}
	return GlobalDeadline()
}

// defaultBackends fills in the instance factory and replication manager the
// caller left unset.  tls is the effective setting after the FIPS check.
func defaultBackends(opts *Options, tls bool, logger *zap.Logger) (dsinstance.Factory, replication.Manager, error) {
	factory := opts.Factory
	manager := opts.Manager
	if factory != nil && manager != nil {
		return factory, manager, nil
	}

	runner := opts.Runner
	if runner == nil {
		runner = cmdrunner.NewExecRunner(cmdrunner.ExecRunnerOptions{
			Logger: logger.Named("cmd"),
			Echo:   opts.Debug,
		})
	}

	if factory == nil {
		cliFactory, err := dsinstance.NewCLIFactory(dsinstance.CLIFactoryOptions{
			Logger: logger.Named("instance"),
			Runner: runner,
		})
		if err != nil {
			return nil, nil, err
		}
		factory = cliFactory
	}

	if manager == nil {
		if opts.Suffix == "" {
			// nothing is replicated without a suffix
			manager = replication.NewMemoryManager(replication.MemoryManagerOptions{})
		} else {
			dsconfManager, err := replication.NewDsconfManager(replication.DsconfManagerOptions{
				Logger: logger.Named("replication"),
				Runner: runner,
				Suffix: opts.Suffix,
				UseTLS: tls,
			})
			if err != nil {
				return nil, nil, err
			}
			manager = replication.NewRetryingManager(replication.RetryingManagerOptions{
				Logger:  logger.Named("retry"),
				Manager: dsconfManager,
			})
		}
	}

	return factory, manager, nil
}

// Build provisions every requested instance, wires replication between them
// and arms the deadline watchdog.  A rejected request returns a *ConfigError
// before any instance is created.  Any later failure is returned as is and
// whatever was already created is left in place.
func Build(ctx context.Context, opts *Options) (*Topology, error) {
	if opts == nil {
		opts = &Options{}
	}

	err := opts.Counts.Validate(opts.Suffix)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("runId", runID))

	m := opts.Metrics
	if m == nil {
		m = metrics.GetTopoMetrics()
	}

	// a failed build must not leave the override behind for the next one
	built := false
	defer func() {
		if !built {
			resetGlobalDeadline()
		}
	}()

	fipsProbe := opts.FIPSProbe
	if fipsProbe == nil {
		fipsProbe = IsFIPSEnabled
	}
	fips := fipsProbe()

	factory, manager, err := defaultBackends(opts, opts.TLS || fips, logger)
	if err != nil {
		return nil, err
	}

	caDir := opts.CADir
	if caDir == "" {
		caDir = filepath.Join(os.TempDir(), "dstopo-ca-"+runID)
	}
	caStore := castore.New(castore.Options{
		Logger: logger.Named("castore"),
		Dir:    caDir,
	})

	provisioner, err := NewProvisioner(ProvisionerOptions{
		Logger:                  logger.Named("provisioner"),
		Factory:                 factory,
		Host:                    opts.Host,
		Suffix:                  opts.Suffix,
		PortOffset:              opts.PortOffset,
		TLS:                     opts.TLS,
		FIPSProbe:               func() bool { return fips },
		CAStore:                 caStore,
		DisableTLSHostnameCheck: opts.DisableTLSHostnameCheck,
		Debug:                   opts.Debug,
		CheckPorts:              opts.CheckPorts,
		Metrics:                 m,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("building topology", zap.Stringer("counts", opts.Counts))

	var instances []dsinstance.Instance
	for _, role := range dsinstance.AllRoles {
		created, err := provisioner.Provision(ctx, role, opts.Counts[role])
		if err != nil {
			return nil, err
		}
		instances = append(instances, created...)
	}

	registry, err := NewRegistry(manager, instances...)
	if err != nil {
		return nil, err
	}

	mesh := NewMeshBuilder(MeshBuilderOptions{
		Logger:  logger.Named("mesh"),
		Manager: manager,
		Metrics: m,
	})

	err = mesh.Build(ctx, registry)
	if err != nil {
		return nil, err
	}

	wd := watchdog.New(watchdog.Options{
		Logger:       logger.Named("watchdog"),
		Deadline:     resolveDeadline(opts),
		TermCooldown: opts.Watchdog.TermCooldown,
		QuitCooldown: opts.Watchdog.QuitCooldown,
		Processes:    registry.PIDs,
		Signaler:     opts.Watchdog.Signaler,
		Sleep:        opts.Watchdog.Sleep,
		OnTimeout:    opts.Watchdog.OnTimeout,
		Metrics:      m,
	})
	if !wd.Arm() {
		logger.Info("watchdog disabled for this topology")
	}

	m.ActiveTopologies.Add(ctx, 1)
	built = true

	return &Topology{
		Registry:  registry,
		logger:    logger,
		runID:     runID,
		manager:   manager,
		mesh:      mesh,
		caStore:   caStore,
		watchdog:  wd,
		cleanup:   opts.Cleanup,
		keepAlive: opts.Debug,
		tls:       provisioner.TLSEnabled(),
		metrics:   m,
	}, nil
}

func (t *Topology) RunID() string {
	return t.runID
}

func (t *Topology) Watchdog() *watchdog.Watchdog {
	return t.watchdog
}

func (t *Topology) CAStore() *castore.Store {
	return t.caStore
}

func (t *Topology) TLSEnabled() bool {
	return t.tls
}

func (t *Topology) Manager() replication.Manager {
	return t.manager
}

func (t *Topology) isClosed() bool {
	t.closeLock.Lock()
	defer t.closeLock.Unlock()
	return t.closed
}

// WaitForReplication blocks until changes made on from have reached to.
func (t *Topology) WaitForReplication(ctx context.Context, from, to dsinstance.Instance) error {
	if t.isClosed() {
		return ErrClosed
	}
	return t.manager.WaitForReplication(ctx, from, to)
}

// Remesh runs the mesh builder again over the same instances.
func (t *Topology) Remesh(ctx context.Context) error {
	if t.isClosed() {
		return ErrClosed
	}

	return t.mesh.Build(ctx, t.Registry)
}

// Close disarms the watchdog and stops every instance.  Unless the topology
// is in keep-alive mode it then runs the cleanup callback and deletes the CA
// store and the instances.  Only stop and cleanup failures are returned.
func (t *Topology) Close(ctx context.Context) error {
	t.closeLock.Lock()
	if t.closed {
		t.closeLock.Unlock()
		return nil
	}
	t.closed = true
	t.closeLock.Unlock()

	t.watchdog.Disarm()

	var errs error
	for _, inst := range t.All() {
		err := inst.Stop(ctx)
		if err != nil {
			t.logger.Error("failed to stop instance",
				zap.String("serverId", inst.ServerID()),
				zap.Error(err))
			errs = multierr.Append(errs, errors.Wrapf(err, "failed to stop %s", inst.ServerID()))
		}
	}

	if t.keepAlive {
		t.logger.Info("keeping instances for inspection", zap.Int("instances", t.Len()))
	} else {
		if t.cleanup != nil {
			err := t.cleanup(ctx)
			if err != nil {
				errs = multierr.Append(errs, errors.Wrap(err, "cleanup callback failed"))
			}
		}

		err := t.caStore.Remove()
		if err != nil {
			t.logger.Warn("failed to remove ca store", zap.Error(err))
		}

		for _, inst := range t.All() {
			err := inst.Delete(ctx)
			if err != nil {
				t.logger.Warn("failed to delete instance",
					zap.String("serverId", inst.ServerID()),
					zap.Error(err))
			}
		}
	}

	resetGlobalDeadline()
	t.metrics.ActiveTopologies.Add(ctx, -1)

	return errs
}
