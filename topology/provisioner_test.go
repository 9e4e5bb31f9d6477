package topology

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/couchbaselabs/dstopo/dsinstance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestProvisioner(t *testing.T, b *memoryBackends, opts ProvisionerOptions) *Provisioner {
	opts.Logger = zaptest.NewLogger(t)
	opts.Factory = b.factory
	if opts.FIPSProbe == nil {
		opts.FIPSProbe = func() bool { return false }
	}

	p, err := NewProvisioner(opts)
	require.NoError(t, err)
	return p
}

func TestProvisionerParams(t *testing.T) {
	b := newMemoryBackends()
	p := newTestProvisioner(t, b, ProvisionerOptions{
		Suffix:     testSuffix,
		PortOffset: 10,
	})

	testCases := []struct {
		role       Role
		n          int
		serverID   string
		port       int
		securePort int
		replicaID  int
	}{
		{RoleStandalone, 1, "standalone1", 38911, 63611, 0},
		{RoleSupplier, 1, "supplier1", 39011, 63711, 1},
		{RoleSupplier, 4, "supplier4", 39014, 63714, 4},
		{RoleHub, 2, "hub2", 39112, 63812, 65535},
		{RoleConsumer, 3, "consumer3", 39213, 63913, 65535},
	}

	for _, tc := range testCases {
		t.Run(tc.serverID, func(t *testing.T) {
			params := p.Params(tc.role, tc.n)
			assert.Equal(t, tc.serverID, params.ServerID)
			assert.Equal(t, tc.port, params.Port)
			assert.Equal(t, tc.securePort, params.SecurePort)
			assert.Equal(t, tc.replicaID, params.ReplicaID)
			assert.Equal(t, tc.role, params.Role)
			assert.Equal(t, testSuffix, params.Suffix)
			assert.Equal(t, "localhost", params.Host)
		})
	}
}

func TestProvisionerRequiresCAStoreForTLS(t *testing.T) {
	b := newMemoryBackends()

	_, err := NewProvisioner(ProvisionerOptions{
		Factory:   b.factory,
		TLS:       true,
		FIPSProbe: func() bool { return false },
	})
	require.Error(t, err)

	_, err = NewProvisioner(ProvisionerOptions{})
	require.Error(t, err)
}

func TestProvisionerZeroCount(t *testing.T) {
	b := newMemoryBackends()
	p := newTestProvisioner(t, b, ProvisionerOptions{})

	instances, err := p.Provision(context.Background(), RoleConsumer, 0)
	require.NoError(t, err)
	assert.Empty(t, instances)
	assert.Empty(t, b.factory.Created())
}

func TestProvisionerChecksPorts(t *testing.T) {
	b := newMemoryBackends()
	p := newTestProvisioner(t, b, ProvisionerOptions{
		Host:       "127.0.0.1",
		PortOffset: 0,
		CheckPorts: true,
	})

	params := p.Params(RoleStandalone, 1)
	lis, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(params.Port)))
	if err != nil {
		t.Skipf("cannot bind %d: %v", params.Port, err)
	}
	defer lis.Close()

	_, err = p.Provision(context.Background(), RoleStandalone, 1)
	require.ErrorIs(t, err, ErrPortInUse)
	assert.Equal(t, []string{"exists"}, b.factory.Calls("standalone1"))
}

func TestProvisionerMarksInstancesVerboseInDebug(t *testing.T) {
	b := newMemoryBackends()
	p := newTestProvisioner(t, b, ProvisionerOptions{Debug: true})

	assert.True(t, p.Params(RoleStandalone, 1).Verbose)

	instances, err := p.Provision(context.Background(), RoleStandalone, 2)
	require.NoError(t, err)
	require.Len(t, instances, 2)

	for _, inst := range instances {
		assert.Equal(t, dsinstance.RoleStandalone, inst.Role())
		assert.Equal(t, "on", b.factory.Config(inst.ServerID())["nsslapd-plugin-logging"])
	}
}
