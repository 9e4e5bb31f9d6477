package topology

import (
	"context"
	"fmt"

	"github.com/couchbaselabs/dstopo/castore"
	"github.com/couchbaselabs/dstopo/dsinstance"
	"github.com/couchbaselabs/dstopo/pkg/metrics"
	"github.com/couchbaselabs/dstopo/utils/netutils"
	"github.com/couchbaselabs/dstopo/utils/sliceutils"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	securePortShift = 24700
	hubReplicaID    = 65535
)

var basePorts = map[Role]int{
	RoleStandalone: 38900,
	RoleSupplier:   39000,
	RoleHub:        39100,
	RoleConsumer:   39200,
}

var debugConfig = [][2]string{
	{"nsslapd-errorlog-level", "8192"},
	{"nsslapd-accesslog-level", "260"},
	{"nsslapd-auditlog-logging-enabled", "on"},
	{"nsslapd-auditfaillog-logging-enabled", "on"},
	{"nsslapd-plugin-logging", "on"},
}

type ProvisionerOptions struct {
	Logger  *zap.Logger
	Factory dsinstance.Factory

	Host       string
	Suffix     string
	PortOffset int

	// TLS is forced on when FIPSProbe reports FIPS mode.
	TLS       bool
	FIPSProbe func() bool
	CAStore   *castore.Store

	DisableTLSHostnameCheck bool
	Debug                   bool
	CheckPorts              bool

	Metrics *metrics.TopoMetrics
}

// Provisioner creates instances with ports and server ids derived from their
// role and ordinal, so the same request always yields the same layout.
type Provisioner struct {
	logger     *zap.Logger
	factory    dsinstance.Factory
	host       string
	suffix     string
	portOffset int
	tls        bool
	caStore    *castore.Store

	disableTLSHostnameCheck bool
	debug                   bool
	checkPorts              bool

	metrics *metrics.TopoMetrics
}

func NewProvisioner(opts ProvisionerOptions) (*Provisioner, error) {
	if opts.Factory == nil {
		return nil, errors.New("an instance factory is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	host := opts.Host
	if host == "" {
		host = "localhost"
	}

	host, err := netutils.ResolveInstanceHost(host)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve instance host")
	}

	fipsProbe := opts.FIPSProbe
	if fipsProbe == nil {
		fipsProbe = IsFIPSEnabled
	}

	tls := opts.TLS
	if !tls && fipsProbe() {
		logger.Info("host is in FIPS mode, enabling TLS on every instance")
		tls = true
	}

	if tls && opts.CAStore == nil {
		return nil, errors.New("a ca store is required when TLS is enabled")
	}

	m := opts.Metrics
	if m == nil {
		m = metrics.GetTopoMetrics()
	}

	return &Provisioner{
		logger:                  logger,
		factory:                 opts.Factory,
		host:                    host,
		suffix:                  opts.Suffix,
		portOffset:              opts.PortOffset,
		tls:                     tls,
		caStore:                 opts.CAStore,
		disableTLSHostnameCheck: opts.DisableTLSHostnameCheck,
		debug:                   opts.Debug,
		checkPorts:              opts.CheckPorts,
		metrics:                 m,
	}, nil
}

func (p *Provisioner) TLSEnabled() bool {
	return p.tls
}

// Params derives the parameters of the n'th (1-based) instance of role.
func (p *Provisioner) Params(role Role, n int) dsinstance.Params {
	port := basePorts[role] + n + p.portOffset

	replicaID := 0
	switch role {
	case RoleSupplier:
		replicaID = n
	case RoleHub, RoleConsumer:
		replicaID = hubReplicaID
	}

	return dsinstance.Params{
		ServerID:   fmt.Sprintf("%s%d", role, n),
		Host:       p.host,
		Port:       port,
		SecurePort: port + securePortShift,
		Role:       role,
		ReplicaID:  replicaID,
		Suffix:     p.suffix,
		Verbose:    p.debug,
	}
}

// Provision creates count instances of role.  The first failure is returned
// and no cleanup of already created instances is attempted.
func (p *Provisioner) Provision(ctx context.Context, role Role, count int) ([]dsinstance.Instance, error) {
	instances := make([]dsinstance.Instance, 0, count)
	for n := 1; n <= count; n++ {
		inst, err := p.provisionOne(ctx, p.Params(role, n))
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

func (p *Provisioner) provisionOne(ctx context.Context, params dsinstance.Params) (dsinstance.Instance, error) {
	logger := p.logger.With(zap.String("serverId", params.ServerID))

	inst, err := p.factory.Allocate(params)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to allocate %s", params.ServerID)
	}

	exists, err := inst.Exists(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to check for existing %s", params.ServerID)
	}
	if exists {
		logger.Info("removing leftover instance")
		err = inst.Delete(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to remove leftover %s", params.ServerID)
		}
	}

	if p.checkPorts {
		for _, port := range []int{params.Port, params.SecurePort} {
			if !netutils.IsPortAvailable(params.Host, port) {
				return nil, errors.Wrapf(ErrPortInUse, "%s needs %s:%d", params.ServerID, params.Host, port)
			}
		}
	}

	err = inst.Create(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %s", params.ServerID)
	}

	err = inst.Open(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", params.ServerID)
	}

	err = inst.SetConfig(ctx, "nsslapd-accesslog-logbuffering", "off")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to disable access log buffering on %s", params.ServerID)
	}

	if p.tls {
		err = p.enableTLS(ctx, inst)
		if err != nil {
			return nil, err
		}
	}

	if p.disableTLSHostnameCheck {
		err = inst.SetConfig(ctx, "nsslapd-ssl-check-hostname", "off")
		if err != nil {
			return nil, errors.Wrapf(err, "failed to disable hostname check on %s", params.ServerID)
		}
	}

	if p.debug {
		for _, kv := range debugConfig {
			err = inst.SetConfig(ctx, kv[0], kv[1])
			if err != nil {
				return nil, errors.Wrapf(err, "failed to set %s on %s", kv[0], params.ServerID)
			}
		}
	}

	p.metrics.InstancesProvisioned.Add(ctx, 1, metrics.RoleAttr(params.Role.String()))

	logger.Info("instance ready",
		zap.Stringer("role", params.Role),
		zap.Int("port", params.Port),
		zap.Int("securePort", params.SecurePort))

	return inst, nil
}

func (p *Provisioner) enableTLS(ctx context.Context, inst dsinstance.Instance) error {
	err := p.caStore.Ensure()
	if err != nil {
		return errors.Wrap(err, "failed to create ca store")
	}

	certPath, keyPath, err := p.caStore.IssueServerCert(inst.ServerID(), sliceutils.RemoveDuplicates([]string{inst.Host(), "localhost"}))
	if err != nil {
		return errors.Wrapf(err, "failed to issue certificate for %s", inst.ServerID())
	}

	err = inst.EnableTLS(ctx, dsinstance.TLSConfig{
		CACertPath:     p.caStore.CertPath(),
		ServerCertPath: certPath,
		ServerKeyPath:  keyPath,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to enable TLS on %s", inst.ServerID())
	}

	return nil
}
