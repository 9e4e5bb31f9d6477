package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/couchbaselabs/dstopo/castore"
	"github.com/couchbaselabs/dstopo/dsinstance"
	"github.com/couchbaselabs/dstopo/replication"
	"github.com/couchbaselabs/dstopo/topology"
	"github.com/couchbaselabs/dstopo/utils/cmdrunner"
	"github.com/couchbaselabs/dstopo/watchdog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var createRequest requestFlags
var createHold time.Duration

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Provision and mesh a topology, then tear it down on exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCreate(cmd.Context())
	},
}

var planRequest requestFlags

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the instances and agreements a topology would have",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPlan(cmd.Context())
	},
}

var destroyRequest requestFlags

var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Stop and remove the instances a topology would have created",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDestroy(cmd.Context())
	},
}

var presetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "List the named layouts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := make(map[string]map[string]int)
		for _, name := range topology.PresetNames() {
			counts, err := topology.Preset(name)
			if err != nil {
				return err
			}

			byName := make(map[string]int)
			for role, count := range counts {
				byName[role.String()] = count
			}
			out[name] = byName
		}
		return writeYAML(cmd.OutOrStdout(), out)
	},
}

func init() {
	createRequest.register(createCmd.Flags())
	createCmd.Flags().DurationVar(&createHold, "hold", 0, "tear down after this long instead of waiting for a signal")

	planRequest.register(planCmd.Flags())
	destroyRequest.register(destroyCmd.Flags())
}

func buildOptions(logger *zap.Logger, req *requestFlags) (*topology.Options, error) {
	counts, suffix, err := req.resolve()
	if err != nil {
		return nil, err
	}

	opts := &topology.Options{
		Logger: logger.Named("topology"),
		Counts: counts,
		Suffix: suffix,
	}
	topology.ApplyConfig(viper.GetViper(), opts)

	return opts, nil
}

func runCreate(ctx context.Context) error {
	var current atomic.Pointer[topology.Topology]
	var suffix string

	a, err := startApp(ctx, func() interface{} {
		return describe(current.Load(), suffix)
	})
	if err != nil {
		return err
	}
	logger := a.logger

	opts, err := buildOptions(logger, &createRequest)
	if err != nil {
		return err
	}
	suffix = opts.Suffix

	timeoutCh := make(chan *watchdog.TimeoutError, 1)
	opts.Watchdog.OnTimeout = func(err *watchdog.TimeoutError) {
		logger.Error("topology deadline expired", zap.Error(err))
		timeoutCh <- err
	}

	buildCtx, cancelBuild := context.WithCancel(ctx)
	defer cancelBuild()

	shutdownCh := make(chan struct{})
	var shutdownOnce sync.Once
	beginGracefulShutdown := func() {
		shutdownOnce.Do(func() {
			cancelBuild()
			close(shutdownCh)
		})
	}

	sigCh := make(chan os.Signal, 10)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	go func() {
		hasReceivedSigInt := false
		for sig := range sigCh {
			if sig == syscall.SIGINT {
				if hasReceivedSigInt {
					logger.Info("Received SIGINT a second time, terminating...")
					os.Exit(1)
				} else {
					logger.Info("Received SIGINT, tearing the topology down...")
					hasReceivedSigInt = true
					beginGracefulShutdown()
				}
			} else if sig == syscall.SIGTERM {
				logger.Info("Received SIGTERM, tearing the topology down...")
				beginGracefulShutdown()
			} else if sig == syscall.SIGHUP {
				logger.Info("Received SIGHUP, reloading configuration...")
				a.reloadConfiguration()
			}
		}
	}()

	topo, err := topology.Build(buildCtx, opts)
	if err != nil {
		logger.Error("failed to build topology, `dstopo destroy` removes what was created", zap.Error(err))
		return err
	}
	current.Store(topo)
	a.markHealthy(true)

	err = writeYAML(os.Stdout, describe(topo, suffix))
	if err != nil {
		logger.Warn("failed to print topology", zap.Error(err))
	}

	var holdCh <-chan time.Time
	if createHold > 0 {
		holdCh = time.After(createHold)
	}

	var runErr error
	select {
	case <-shutdownCh:
	case <-holdCh:
		logger.Info("hold time elapsed", zap.Duration("hold", createHold))
	case timeoutErr := <-timeoutCh:
		runErr = timeoutErr
	}

	a.markHealthy(false)
	current.Store(nil)

	err = topo.Close(context.Background())
	if err != nil {
		logger.Error("failed to tear the topology down cleanly", zap.Error(err))
		return multierr.Append(runErr, err)
	}

	logger.Info("topology torn down")
	return runErr
}

func runPlan(ctx context.Context) error {
	a, err := startApp(ctx, nil)
	if err != nil {
		return err
	}

	opts, err := buildOptions(a.logger, &planRequest)
	if err != nil {
		return err
	}

	manager := replication.NewMemoryManager(replication.MemoryManagerOptions{
		Logger: a.logger.Named("replication"),
		Suffix: opts.Suffix,
	})
	opts.Manager = manager
	opts.Factory = dsinstance.NewMemoryFactory(dsinstance.MemoryFactoryOptions{
		Logger:   a.logger.Named("instance"),
		OnDelete: manager.Forget,
	})

	noDeadline := time.Duration(0)
	opts.Deadline = &noDeadline
	opts.Debug = false

	topo, err := topology.Build(ctx, opts)
	if err != nil {
		return err
	}

	doc := describe(topo, opts.Suffix)
	doc.RunID = ""
	for i := range doc.Instances {
		doc.Instances[i].PID = 0
	}

	return multierr.Append(writeYAML(os.Stdout, doc), topo.Close(ctx))
}

func runDestroy(ctx context.Context) error {
	a, err := startApp(ctx, nil)
	if err != nil {
		return err
	}
	logger := a.logger

	opts, err := buildOptions(logger, &destroyRequest)
	if err != nil {
		return err
	}

	runner := cmdrunner.NewExecRunner(cmdrunner.ExecRunnerOptions{
		Logger: logger.Named("cmd"),
		Echo:   opts.Debug,
	})

	factory, err := dsinstance.NewCLIFactory(dsinstance.CLIFactoryOptions{
		Logger: logger.Named("instance"),
		Runner: runner,
	})
	if err != nil {
		return err
	}

	// only used to derive instance parameters, so TLS is irrelevant here
	provisioner, err := topology.NewProvisioner(topology.ProvisionerOptions{
		Logger:     logger.Named("provisioner"),
		Factory:    factory,
		Host:       opts.Host,
		Suffix:     opts.Suffix,
		PortOffset: opts.PortOffset,
		FIPSProbe:  func() bool { return false },
	})
	if err != nil {
		return err
	}

	var errs error
	removed := 0
	for _, role := range dsinstance.AllRoles {
		for n := 1; n <= opts.Counts[role]; n++ {
			inst, err := factory.Allocate(provisioner.Params(role, n))
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}

			exists, err := inst.Exists(ctx)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			if !exists {
				continue
			}

			err = inst.Stop(ctx)
			if err != nil {
				logger.Warn("failed to stop instance", zap.String("serverId", inst.ServerID()), zap.Error(err))
			}

			err = inst.Delete(ctx)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			removed++
		}
	}

	if opts.CADir != "" {
		err := castore.New(castore.Options{Logger: logger.Named("castore"), Dir: opts.CADir}).Remove()
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = multierr.Append(errs, err)
		}
	}

	logger.Info("destroy finished", zap.Int("removed", removed))
	return errs
}
