package topology

import (
	"context"

	"github.com/couchbaselabs/dstopo/dsinstance"
	"github.com/couchbaselabs/dstopo/pkg/metrics"
	"github.com/couchbaselabs/dstopo/replication"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type MeshBuilderOptions struct {
	Logger  *zap.Logger
	Manager replication.Manager
	Metrics *metrics.TopoMetrics
}

// MeshBuilder wires the replication agreements of a registry.  Every call it
// makes is idempotent, so building an already meshed registry is a no-op.
type MeshBuilder struct {
	logger  *zap.Logger
	manager replication.Manager
	metrics *metrics.TopoMetrics
}

func NewMeshBuilder(opts MeshBuilderOptions) *MeshBuilder {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	m := opts.Metrics
	if m == nil {
		m = metrics.GetTopoMetrics()
	}

	return &MeshBuilder{
		logger:  logger,
		manager: opts.Manager,
		metrics: m,
	}
}

func (b *MeshBuilder) record(ctx context.Context, op string) {
	b.metrics.AgreementOperations.Add(ctx, 1, metrics.OpAttr(op))
}

func (b *MeshBuilder) join(ctx context.Context, op string, from, to dsinstance.Instance,
	fn func(ctx context.Context, from, to dsinstance.Instance) error) error {
	b.logger.Debug(op,
		zap.String("from", from.ServerID()),
		zap.String("to", to.ServerID()))

	b.record(ctx, op)
	err := fn(ctx, from, to)
	if err != nil {
		return errors.Wrapf(err, "%s %s -> %s failed", op, from.ServerID(), to.ServerID())
	}
	return nil
}

func (b *MeshBuilder) ensure(ctx context.Context, from, to dsinstance.Instance) error {
	return b.join(ctx, "ensureAgreement", from, to, b.manager.EnsureAgreement)
}

// Build wires suppliers, then hubs, then consumers.  Suppliers must be
// joined to the seed before the mesh is filled in, since only a join hands
// out a replica identity.
func (b *MeshBuilder) Build(ctx context.Context, reg *Registry) error {
	suppliers := reg.Suppliers()
	if len(suppliers) == 0 {
		return nil
	}

	seed := suppliers[0]
	others := suppliers[1:]

	b.logger.Info("building replication mesh",
		zap.String("seed", seed.ServerID()),
		zap.Int("suppliers", len(suppliers)),
		zap.Int("hubs", len(reg.Hubs())),
		zap.Int("consumers", len(reg.Consumers())))

	b.record(ctx, "createFirstSupplier")
	err := b.manager.CreateFirstSupplier(ctx, seed)
	if err != nil {
		return errors.Wrapf(err, "createFirstSupplier %s failed", seed.ServerID())
	}

	for _, s := range others {
		err := b.join(ctx, "joinSupplier", seed, s, b.manager.JoinSupplier)
		if err != nil {
			return err
		}
	}

	for _, from := range suppliers {
		for _, to := range suppliers {
			if from.ServerID() == to.ServerID() {
				continue
			}
			err := b.ensure(ctx, from, to)
			if err != nil {
				return err
			}
		}
	}

	hubs := reg.Hubs()
	for _, h := range hubs {
		err := b.join(ctx, "joinHub", seed, h, b.manager.JoinHub)
		if err != nil {
			return err
		}
	}

	for _, s := range others {
		for _, h := range hubs {
			if err := b.ensure(ctx, s, h); err != nil {
				return err
			}
			if err := b.ensure(ctx, h, s); err != nil {
				return err
			}
		}
	}

	consumers := reg.Consumers()
	if len(consumers) == 0 {
		return nil
	}

	feeders := suppliers
	if len(hubs) > 0 {
		feeders = hubs
	}

	for _, c := range consumers {
		err := b.join(ctx, "joinConsumer", feeders[0], c, b.manager.JoinConsumer)
		if err != nil {
			return err
		}
	}

	for _, f := range feeders[1:] {
		for _, c := range consumers {
			err := b.ensure(ctx, f, c)
			if err != nil {
				return err
			}
		}
	}

	return nil
}
