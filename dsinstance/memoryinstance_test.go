package dsinstance

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryInstanceLifecycle(t *testing.T) {
	var deleted []string
	factory := NewMemoryFactory(MemoryFactoryOptions{
		FirstPID: 100,
		OnDelete: func(serverID string) { deleted = append(deleted, serverID) },
	})
	ctx := context.Background()

	inst, err := factory.Allocate(Params{ServerID: "supplier1", Role: RoleSupplier, ReplicaID: 1})
	require.NoError(t, err)

	exists, err := inst.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	require.ErrorIs(t, inst.Open(ctx), ErrNotCreated)

	require.NoError(t, inst.Create(ctx))
	require.NoError(t, inst.Open(ctx))

	pid, err := inst.PID()
	require.NoError(t, err)
	assert.Equal(t, 100, pid)

	require.NoError(t, inst.SetConfig(ctx, "nsslapd-accesslog-logbuffering", "off"))
	assert.Equal(t, map[string]string{"nsslapd-accesslog-logbuffering": "off"}, factory.Config("supplier1"))

	require.NoError(t, inst.Stop(ctx))
	assert.False(t, factory.IsRunning("supplier1"))
	_, err = inst.PID()
	require.ErrorIs(t, err, ErrNoPID)
	require.ErrorIs(t, inst.Open(ctx), ErrNotRunning)

	require.NoError(t, inst.Start(ctx))
	pid, err = inst.PID()
	require.NoError(t, err)
	assert.Equal(t, 101, pid)

	require.NoError(t, inst.Delete(ctx))
	assert.Empty(t, factory.Created())
	assert.Equal(t, []string{"supplier1"}, deleted)

	assert.Equal(t, []string{
		"exists", "open", "create", "open", "setconfig",
		"stop", "open", "start", "delete",
	}, factory.Calls("supplier1"))
}

func TestMemoryFactorySharesStateBetweenAllocations(t *testing.T) {
	factory := NewMemoryFactory(MemoryFactoryOptions{})
	factory.Preexisting("standalone1")

	inst, err := factory.Allocate(Params{ServerID: "standalone1"})
	require.NoError(t, err)

	exists, err := inst.Exists(context.Background())
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestMemoryFactoryFailureInjection(t *testing.T) {
	factory := NewMemoryFactory(MemoryFactoryOptions{})
	ctx := context.Background()

	inst, err := factory.Allocate(Params{ServerID: "hub1"})
	require.NoError(t, err)

	boom := errors.New("boom")
	factory.FailOn("hub1", "create", boom)

	require.ErrorIs(t, inst.Create(ctx), boom)
	// injected failures fire once
	require.NoError(t, inst.Create(ctx))
}

func TestMemoryInstanceEnableTLS(t *testing.T) {
	factory := NewMemoryFactory(MemoryFactoryOptions{})
	ctx := context.Background()

	inst, err := factory.Allocate(Params{ServerID: "consumer1"})
	require.NoError(t, err)

	cfg := TLSConfig{CACertPath: "ca.pem", ServerCertPath: "s.pem", ServerKeyPath: "s.key"}
	require.ErrorIs(t, inst.EnableTLS(ctx, cfg), ErrNotCreated)

	require.NoError(t, inst.Create(ctx))
	require.NoError(t, inst.EnableTLS(ctx, cfg))
	assert.Equal(t, &cfg, factory.TLS("consumer1"))
}

func TestParseRole(t *testing.T) {
	for input, want := range map[string]Role{
		"standalone": RoleStandalone,
		"Suppliers":  RoleSupplier,
		"master":     RoleSupplier,
		"hub":        RoleHub,
		" consumer ": RoleConsumer,
	} {
		got, err := ParseRole(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	_, err := ParseRole("leader")
	require.Error(t, err)

	var r Role
	require.NoError(t, r.UnmarshalText([]byte("hubs")))
	assert.Equal(t, RoleHub, r)
	assert.True(t, r.IsReplicated())
	assert.False(t, RoleStandalone.IsReplicated())
}
