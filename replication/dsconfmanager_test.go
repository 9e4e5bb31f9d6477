package replication

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/couchbaselabs/dstopo/dsinstance"
	"github.com/couchbaselabs/dstopo/utils/cmdrunner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errMissing = errors.New("no such entry")

func newTestDsconfManager(t *testing.T, runner cmdrunner.Runner) *DsconfManager {
	m, err := NewDsconfManager(DsconfManagerOptions{
		Runner:      runner,
		Suffix:      testSuffix,
		InitTimeout: 5 * time.Second,
		WaitTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	return m
}

func TestDsconfManagerRequiresSuffix(t *testing.T) {
	_, err := NewDsconfManager(DsconfManagerOptions{Runner: cmdrunner.NewRecordingRunner()})
	require.Error(t, err)
}

func TestDsconfManagerCreateFirstSupplier(t *testing.T) {
	runner := cmdrunner.NewRecordingRunner()
	runner.On("dsconf supplier1 replication get", cmdrunner.Response{Err: errMissing})
	m := newTestDsconfManager(t, runner)

	factory := dsinstance.NewMemoryFactory(dsinstance.MemoryFactoryOptions{})
	s1 := allocate(t, factory, "supplier1", dsinstance.RoleSupplier, 1)

	require.NoError(t, m.CreateFirstSupplier(context.Background(), s1))

	enables := runner.CallsWithPrefix("dsconf supplier1 replication enable")
	require.Len(t, enables, 1)
	assert.Contains(t, enables[0], "--role supplier")
	assert.Contains(t, enables[0], "--replica-id 1")
	assert.Contains(t, enables[0], "--suffix "+testSuffix)
}

func TestDsconfManagerSkipsEnabledReplication(t *testing.T) {
	runner := cmdrunner.NewRecordingRunner()
	m := newTestDsconfManager(t, runner)

	factory := dsinstance.NewMemoryFactory(dsinstance.MemoryFactoryOptions{})
	s1 := allocate(t, factory, "supplier1", dsinstance.RoleSupplier, 1)

	require.NoError(t, m.CreateFirstSupplier(context.Background(), s1))
	assert.Empty(t, runner.CallsWithPrefix("dsconf supplier1 replication enable"))
}

func TestDsconfManagerJoinSupplier(t *testing.T) {
	runner := cmdrunner.NewRecordingRunner()
	runner.On("dsconf supplier2 replication get", cmdrunner.Response{Err: errMissing})
	runner.On("dsconf supplier1 repl-agmt get", cmdrunner.Response{Err: errMissing})
	runner.On("dsconf supplier2 repl-agmt get", cmdrunner.Response{Err: errMissing})
	runner.On("dsconf supplier1 repl-agmt init-status", cmdrunner.Response{Output: "Agreement has not been initialized."})
	runner.On("dsconf supplier1 repl-agmt init-status", cmdrunner.Response{Output: "Agreement is still in progress"})
	runner.On("dsconf supplier1 repl-agmt init-status", cmdrunner.Response{Output: "Agreement successfully initialized."})
	m := newTestDsconfManager(t, runner)

	factory := dsinstance.NewMemoryFactory(dsinstance.MemoryFactoryOptions{})
	s1 := allocate(t, factory, "supplier1", dsinstance.RoleSupplier, 1)
	s2 := allocate(t, factory, "supplier2", dsinstance.RoleSupplier, 2)

	require.NoError(t, m.JoinSupplier(context.Background(), s1, s2))

	creates := runner.CallsWithPrefix("dsconf supplier1 repl-agmt create")
	require.Len(t, creates, 1)
	assert.True(t, strings.HasSuffix(creates[0], "supplier1-to-supplier2"))
	assert.Contains(t, creates[0], "--conn-protocol LDAP ")

	require.Len(t, runner.CallsWithPrefix("dsconf supplier1 repl-agmt init --suffix"), 1)
	assert.Len(t, runner.CallsWithPrefix("dsconf supplier1 repl-agmt init-status"), 3)

	back := runner.CallsWithPrefix("dsconf supplier2 repl-agmt create")
	require.Len(t, back, 1)
	assert.True(t, strings.HasSuffix(back[0], "supplier2-to-supplier1"))
}

func TestDsconfManagerJoinInitFailure(t *testing.T) {
	runner := cmdrunner.NewRecordingRunner()
	runner.On("dsconf hub1 replication get", cmdrunner.Response{Err: errMissing})
	runner.On("dsconf supplier1 repl-agmt get", cmdrunner.Response{Err: errMissing})
	runner.On("dsconf supplier1 repl-agmt init-status", cmdrunner.Response{Output: "Agreement initialization failed: LDAP error"})
	m := newTestDsconfManager(t, runner)

	factory := dsinstance.NewMemoryFactory(dsinstance.MemoryFactoryOptions{})
	s1 := allocate(t, factory, "supplier1", dsinstance.RoleSupplier, 1)
	h1 := allocate(t, factory, "hub1", dsinstance.RoleHub, 65535)

	err := m.JoinHub(context.Background(), s1, h1)
	require.ErrorIs(t, err, ErrInitFailed)

	enables := runner.CallsWithPrefix("dsconf hub1 replication enable")
	require.Len(t, enables, 1)
	assert.Contains(t, enables[0], "--role hub")
	assert.NotContains(t, enables[0], "--replica-id")
}

func TestDsconfManagerExistingAgreementIsKept(t *testing.T) {
	runner := cmdrunner.NewRecordingRunner()
	runner.On("dsconf supplier1 repl-agmt init-status", cmdrunner.Response{Output: "Agreement successfully initialized."})
	m := newTestDsconfManager(t, runner)

	factory := dsinstance.NewMemoryFactory(dsinstance.MemoryFactoryOptions{})
	s1 := allocate(t, factory, "supplier1", dsinstance.RoleSupplier, 1)
	c1 := allocate(t, factory, "consumer1", dsinstance.RoleConsumer, 65535)

	require.NoError(t, m.EnsureAgreement(context.Background(), s1, c1))
	assert.Empty(t, runner.CallsWithPrefix("dsconf supplier1 repl-agmt create"))

	require.NoError(t, m.JoinConsumer(context.Background(), s1, c1))
	assert.Empty(t, runner.CallsWithPrefix("dsconf supplier1 repl-agmt init --suffix"))
	assert.Len(t, runner.CallsWithPrefix("dsconf supplier1 repl-agmt init-status"), 1)
}

func TestDsconfManagerExistingUninitializedAgreementIsInitialized(t *testing.T) {
	runner := cmdrunner.NewRecordingRunner()
	runner.On("dsconf supplier1 repl-agmt init-status", cmdrunner.Response{Output: "Agreement has not been initialized."})
	runner.On("dsconf supplier1 repl-agmt init-status", cmdrunner.Response{Output: "Agreement successfully initialized."})
	m := newTestDsconfManager(t, runner)

	factory := dsinstance.NewMemoryFactory(dsinstance.MemoryFactoryOptions{})
	s1 := allocate(t, factory, "supplier1", dsinstance.RoleSupplier, 1)
	c1 := allocate(t, factory, "consumer1", dsinstance.RoleConsumer, 65535)

	require.NoError(t, m.JoinConsumer(context.Background(), s1, c1))
	assert.Empty(t, runner.CallsWithPrefix("dsconf supplier1 repl-agmt create"))
	assert.Len(t, runner.CallsWithPrefix("dsconf supplier1 repl-agmt init --suffix"), 1)
}

func TestDsconfManagerRunningInitIsAwaited(t *testing.T) {
	runner := cmdrunner.NewRecordingRunner()
	runner.On("dsconf supplier1 repl-agmt init-status", cmdrunner.Response{Output: "Agreement initialization in progress."})
	runner.On("dsconf supplier1 repl-agmt init-status", cmdrunner.Response{Output: "Agreement successfully initialized."})
	m := newTestDsconfManager(t, runner)

	factory := dsinstance.NewMemoryFactory(dsinstance.MemoryFactoryOptions{})
	s1 := allocate(t, factory, "supplier1", dsinstance.RoleSupplier, 1)
	h1 := allocate(t, factory, "hub1", dsinstance.RoleHub, 65535)

	require.NoError(t, m.JoinHub(context.Background(), s1, h1))
	assert.Empty(t, runner.CallsWithPrefix("dsconf supplier1 repl-agmt init --suffix"))
	assert.Len(t, runner.CallsWithPrefix("dsconf supplier1 repl-agmt init-status"), 2)
}

func TestDsconfManagerRetriedJoinFinishesInitialization(t *testing.T) {
	runner := cmdrunner.NewRecordingRunner()
	runner.On("dsconf supplier2 replication get", cmdrunner.Response{Err: errMissing})
	runner.On("dsconf supplier2 repl-agmt get", cmdrunner.Response{Err: errMissing})
	// the agreement exists by the time the join is retried
	runner.On("dsconf supplier1 repl-agmt get", cmdrunner.Response{Err: errMissing})
	runner.On("dsconf supplier1 repl-agmt get", cmdrunner.Response{})
	runner.On("dsconf supplier1 repl-agmt init --suffix", cmdrunner.Response{Err: &cmdrunner.CommandError{
		Args:   []string{"dsconf"},
		Stderr: "Error: Can't contact LDAP server",
		Err:    errors.New("exit status 1"),
	}})
	runner.On("dsconf supplier1 repl-agmt init --suffix", cmdrunner.Response{})
	runner.On("dsconf supplier1 repl-agmt init-status", cmdrunner.Response{Output: "Agreement has not been initialized."})
	runner.On("dsconf supplier1 repl-agmt init-status", cmdrunner.Response{Output: "Agreement has not been initialized."})
	runner.On("dsconf supplier1 repl-agmt init-status", cmdrunner.Response{Output: "Agreement successfully initialized."})

	m := NewRetryingManager(RetryingManagerOptions{
		Manager:         newTestDsconfManager(t, runner),
		InitialInterval: time.Millisecond,
		MaxElapsedTime:  5 * time.Second,
	})

	factory := dsinstance.NewMemoryFactory(dsinstance.MemoryFactoryOptions{})
	s1 := allocate(t, factory, "supplier1", dsinstance.RoleSupplier, 1)
	s2 := allocate(t, factory, "supplier2", dsinstance.RoleSupplier, 2)

	require.NoError(t, m.JoinSupplier(context.Background(), s1, s2))

	assert.Len(t, runner.CallsWithPrefix("dsconf supplier1 repl-agmt create"), 1)
	assert.Len(t, runner.CallsWithPrefix("dsconf supplier1 repl-agmt init --suffix"), 2)
	assert.Len(t, runner.CallsWithPrefix("dsconf supplier1 repl-agmt init-status"), 3)
}

func TestDsconfManagerPauseResume(t *testing.T) {
	runner := cmdrunner.NewRecordingRunner()
	runner.On("dsconf supplier1 repl-agmt list", cmdrunner.Response{
		Output: "dn: cn=supplier1-to-supplier2,cn=replica\ncn: supplier1-to-supplier2\n\ndn: cn=supplier1-to-hub1,cn=replica\ncn: supplier1-to-hub1\n",
	})
	m := newTestDsconfManager(t, runner)

	factory := dsinstance.NewMemoryFactory(dsinstance.MemoryFactoryOptions{})
	s1 := allocate(t, factory, "supplier1", dsinstance.RoleSupplier, 1)

	require.NoError(t, m.PauseAgreements(context.Background(), s1))
	assert.Equal(t, []string{
		"dsconf supplier1 repl-agmt disable --suffix " + testSuffix + " supplier1-to-supplier2",
		"dsconf supplier1 repl-agmt disable --suffix " + testSuffix + " supplier1-to-hub1",
	}, runner.CallsWithPrefix("dsconf supplier1 repl-agmt disable"))

	require.NoError(t, m.ResumeAgreements(context.Background(), s1))
	assert.Len(t, runner.CallsWithPrefix("dsconf supplier1 repl-agmt enable"), 2)
}

// markerRunner keeps the LDIF handed to ldapmodify, which is removed again
// once the command returns.
type markerRunner struct {
	*cmdrunner.RecordingRunner
	ldif []string
}

func (r *markerRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	if name == "ldapmodify" {
		data, err := os.ReadFile(args[len(args)-1])
		if err != nil {
			return "", err
		}
		r.ldif = append(r.ldif, string(data))
	}
	return r.RecordingRunner.Run(ctx, name, args...)
}

func newMarkerDsconfManager(t *testing.T, runner cmdrunner.Runner, tempDir string) *DsconfManager {
	m, err := NewDsconfManager(DsconfManagerOptions{
		Runner:      runner,
		Suffix:      testSuffix,
		TempDir:     tempDir,
		Marker:      func() string { return "m1" },
		WaitTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	return m
}

func TestDsconfManagerWaitForReplicationThroughHub(t *testing.T) {
	runner := &markerRunner{RecordingRunner: cmdrunner.NewRecordingRunner()}
	runner.On("ldapsearch -x -LLL -H ldap://localhost:39003", cmdrunner.Response{Output: "dn: " + testSuffix + "\ndescription: dstopo-sync m0\n"})
	runner.On("ldapsearch -x -LLL -H ldap://localhost:39003", cmdrunner.Response{Output: "dn: " + testSuffix + "\ndescription: dstopo-sync m1\n"})
	tempDir := t.TempDir()
	m := newMarkerDsconfManager(t, runner, tempDir)

	// supplier1 only reaches consumer1 through hub1, so there is no direct
	// agreement to inspect
	factory := dsinstance.NewMemoryFactory(dsinstance.MemoryFactoryOptions{})
	s1 := allocateAt(t, factory, "supplier1", dsinstance.RoleSupplier, 1, 39001)
	c1 := allocateAt(t, factory, "consumer1", dsinstance.RoleConsumer, 65535, 39003)

	require.NoError(t, m.WaitForReplication(context.Background(), s1, c1))

	assert.Equal(t, []string{
		"dn: " + testSuffix + "\nchangetype: modify\nreplace: description\ndescription: dstopo-sync m1\n",
	}, runner.ldif)

	modifies := runner.CallsWithPrefix("ldapmodify ")
	require.Len(t, modifies, 1)
	assert.True(t, strings.HasPrefix(modifies[0], "ldapmodify -x -H ldap://localhost:39001 -D cn=Directory Manager -w password -f "))

	searches := runner.CallsWithPrefix("ldapsearch ")
	require.Len(t, searches, 2)
	assert.True(t, strings.HasSuffix(searches[0], "-b "+testSuffix+" -s base description"))

	assert.Empty(t, runner.CallsWithPrefix("dsconf"))

	entries, err := os.ReadDir(tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDsconfManagerWaitForReplicationRetriesUnreachableTarget(t *testing.T) {
	runner := &markerRunner{RecordingRunner: cmdrunner.NewRecordingRunner()}
	runner.On("ldapsearch ", cmdrunner.Response{Err: &cmdrunner.CommandError{
		Args:   []string{"ldapsearch"},
		Stderr: "ldap_sasl_bind(SIMPLE): Can't contact LDAP server (-1)",
		Err:    errors.New("exit status 255"),
	}})
	runner.On("ldapsearch ", cmdrunner.Response{Output: "description: dstopo-sync m1\n"})
	m := newMarkerDsconfManager(t, runner, t.TempDir())

	factory := dsinstance.NewMemoryFactory(dsinstance.MemoryFactoryOptions{})
	s1 := allocateAt(t, factory, "supplier1", dsinstance.RoleSupplier, 1, 39001)
	s2 := allocateAt(t, factory, "supplier2", dsinstance.RoleSupplier, 2, 39002)

	require.NoError(t, m.WaitForReplication(context.Background(), s1, s2))
	assert.Len(t, runner.CallsWithPrefix("ldapsearch "), 2)
}

func TestDsconfManagerWaitForReplicationTimesOut(t *testing.T) {
	runner := &markerRunner{RecordingRunner: cmdrunner.NewRecordingRunner()}
	runner.On("ldapsearch ", cmdrunner.Response{Output: "description: dstopo-sync m0\n"})
	m := newMarkerDsconfManager(t, runner, t.TempDir())

	factory := dsinstance.NewMemoryFactory(dsinstance.MemoryFactoryOptions{})
	s1 := allocateAt(t, factory, "supplier1", dsinstance.RoleSupplier, 1, 39001)
	s2 := allocateAt(t, factory, "supplier2", dsinstance.RoleSupplier, 2, 39002)

	err := m.WaitForReplication(context.Background(), s1, s2)
	require.ErrorIs(t, err, ErrReplicationTimeout)
}

func TestDsconfManagerWaitForReplicationMarkerWriteFails(t *testing.T) {
	runner := &markerRunner{RecordingRunner: cmdrunner.NewRecordingRunner()}
	refused := errors.New("insufficient access")
	runner.On("ldapmodify ", cmdrunner.Response{Err: refused})
	m := newMarkerDsconfManager(t, runner, t.TempDir())

	factory := dsinstance.NewMemoryFactory(dsinstance.MemoryFactoryOptions{})
	s1 := allocateAt(t, factory, "supplier1", dsinstance.RoleSupplier, 1, 39001)
	s2 := allocateAt(t, factory, "supplier2", dsinstance.RoleSupplier, 2, 39002)

	err := m.WaitForReplication(context.Background(), s1, s2)
	require.ErrorIs(t, err, refused)
	assert.Empty(t, runner.CallsWithPrefix("ldapsearch "))
}

func TestDsconfManagerMarksTransientErrors(t *testing.T) {
	runner := cmdrunner.NewRecordingRunner()
	runner.On("dsconf supplier1 repl-agmt list", cmdrunner.Response{Err: &cmdrunner.CommandError{
		Args:   []string{"dsconf"},
		Stderr: "Error: Can't contact LDAP server",
		Err:    errors.New("exit status 1"),
	}})
	m := newTestDsconfManager(t, runner)

	factory := dsinstance.NewMemoryFactory(dsinstance.MemoryFactoryOptions{})
	s1 := allocate(t, factory, "supplier1", dsinstance.RoleSupplier, 1)

	err := m.PauseAgreements(context.Background(), s1)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}
