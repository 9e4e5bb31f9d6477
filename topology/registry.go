package topology

import (
	"context"
	"fmt"

	"github.com/couchbaselabs/dstopo/dsinstance"
	"github.com/couchbaselabs/dstopo/replication"
	"github.com/couchbaselabs/dstopo/utils/sliceutils"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// Registry holds the instances of a topology grouped by role.  It is never
// modified after construction, so it can be read from any goroutine.
type Registry struct {
	manager replication.Manager

	byRole map[Role][]dsinstance.Instance
	byID   map[string]dsinstance.Instance
	all    []dsinstance.Instance
}

// NewRegistry groups instances by their role.  Iteration order is standalones,
// suppliers, hubs then consumers, each in the order given.
func NewRegistry(manager replication.Manager, instances ...dsinstance.Instance) (*Registry, error) {
	r := &Registry{
		manager: manager,
		byRole:  make(map[Role][]dsinstance.Instance),
		byID:    make(map[string]dsinstance.Instance),
	}

	for _, inst := range instances {
		if _, ok := r.byID[inst.ServerID()]; ok {
			return nil, fmt.Errorf("%s: %w", inst.ServerID(), ErrDuplicateServerID)
		}
		r.byID[inst.ServerID()] = inst
		r.byRole[inst.Role()] = append(r.byRole[inst.Role()], inst)
	}

	for _, role := range dsinstance.AllRoles {
		r.all = append(r.all, r.byRole[role]...)
	}

	return r, nil
}

func (r *Registry) Len() int {
	return len(r.all)
}

// All returns every instance in registry order.
func (r *Registry) All() []dsinstance.Instance {
	return slices.Clone(r.all)
}

// Index returns the i'th instance in registry order.
func (r *Registry) Index(i int) dsinstance.Instance {
	return r.all[i]
}

func (r *Registry) Get(serverID string) (dsinstance.Instance, bool) {
	inst, ok := r.byID[serverID]
	return inst, ok
}

func (r *Registry) ByRole(role Role) []dsinstance.Instance {
	return slices.Clone(r.byRole[role])
}

func (r *Registry) Standalones() []dsinstance.Instance { return r.ByRole(RoleStandalone) }
func (r *Registry) Suppliers() []dsinstance.Instance   { return r.ByRole(RoleSupplier) }
func (r *Registry) Hubs() []dsinstance.Instance        { return r.ByRole(RoleHub) }
func (r *Registry) Consumers() []dsinstance.Instance   { return r.ByRole(RoleConsumer) }

// Standalone returns the only instance of a standalone-only topology.
func (r *Registry) Standalone() (dsinstance.Instance, error) {
	if len(r.all) != 1 || len(r.byRole[RoleStandalone]) != 1 {
		return nil, ErrNotStandalone
	}
	return r.all[0], nil
}

func (r *Registry) replicated() []dsinstance.Instance {
	return sliceutils.Filter(r.all, func(inst dsinstance.Instance) bool {
		return inst.Role().IsReplicated()
	})
}

// PauseAllReplicas pauses the outbound agreements of every replicated
// instance.
func (r *Registry) PauseAllReplicas(ctx context.Context) error {
	for _, inst := range r.replicated() {
		err := r.manager.PauseAgreements(ctx, inst)
		if err != nil {
			return errors.Wrapf(err, "failed to pause agreements of %s", inst.ServerID())
		}
	}
	return nil
}

func (r *Registry) ResumeAllReplicas(ctx context.Context) error {
	for _, inst := range r.replicated() {
		err := r.manager.ResumeAgreements(ctx, inst)
		if err != nil {
			return errors.Wrapf(err, "failed to resume agreements of %s", inst.ServerID())
		}
	}
	return nil
}

// PIDs returns the process ids of every instance that currently has one.
func (r *Registry) PIDs() []int {
	var pids []int
	for _, inst := range r.all {
		pid, err := inst.PID()
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}
