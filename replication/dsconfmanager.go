package replication

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchbaselabs/dstopo/dsinstance"
	"github.com/couchbaselabs/dstopo/utils/cmdrunner"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultReplicationBindDN       = "cn=replication manager,cn=config"
	DefaultReplicationBindPassword = "password"

	defaultInitTimeout = 5 * time.Minute
	defaultWaitTimeout = 2 * time.Minute
)

var transientMarkers = []string{
	"Can't contact LDAP server",
	"Server is unwilling to perform",
	"Connection reset by peer",
}

type DsconfManagerOptions struct {
	Logger *zap.Logger
	Runner cmdrunner.Runner

	DsconfPath string
	Suffix     string

	BindDN       string
	BindPassword string

	// UseTLS makes agreements connect over LDAPS on the consumer's secure port.
	UseTLS bool

	// RootDN and RootPassword authenticate the marker write and read used by
	// WaitForReplication.
	RootDN       string
	RootPassword string

	LdapmodifyPath string
	LdapsearchPath string

	// TempDir receives the marker LDIF files; defaults to the system
	// temporary directory.
	TempDir string

	// Marker generates the value written by WaitForReplication; defaults to
	// a random uuid.
	Marker func() string

	InitTimeout time.Duration
	WaitTimeout time.Duration
}

// DsconfManager implements Manager by driving the dsconf administration tool
// against locally running instances.
type DsconfManager struct {
	logger       *zap.Logger
	runner       cmdrunner.Runner
	dsconfPath   string
	suffix       string
	bindDN       string
	bindPassword string
	useTLS       bool
	initTimeout  time.Duration
	waitTimeout  time.Duration

	rootDN         string
	rootPassword   string
	ldapmodifyPath string
	ldapsearchPath string
	tempDir        string
	marker         func() string
}

var _ Manager = (*DsconfManager)(nil)

func NewDsconfManager(opts DsconfManagerOptions) (*DsconfManager, error) {
	if opts.Runner == nil {
		return nil, errors.New("a command runner is required")
	}
	if opts.Suffix == "" {
		return nil, errors.New("a replicated suffix is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &DsconfManager{
		logger:       logger,
		runner:       opts.Runner,
		dsconfPath:   opts.DsconfPath,
		suffix:       opts.Suffix,
		bindDN:       opts.BindDN,
		bindPassword: opts.BindPassword,
		useTLS:       opts.UseTLS,
		initTimeout:  opts.InitTimeout,
		waitTimeout:  opts.WaitTimeout,

		rootDN:         opts.RootDN,
		rootPassword:   opts.RootPassword,
		ldapmodifyPath: opts.LdapmodifyPath,
		ldapsearchPath: opts.LdapsearchPath,
		tempDir:        opts.TempDir,
		marker:         opts.Marker,
	}
	if m.dsconfPath == "" {
		m.dsconfPath = "dsconf"
	}
	if m.bindDN == "" {
		m.bindDN = DefaultReplicationBindDN
	}
	if m.bindPassword == "" {
		m.bindPassword = DefaultReplicationBindPassword
	}
	if m.rootDN == "" {
		m.rootDN = dsinstance.DefaultRootDN
	}
	if m.rootPassword == "" {
		m.rootPassword = dsinstance.DefaultRootPassword
	}
	if m.ldapmodifyPath == "" {
		m.ldapmodifyPath = "ldapmodify"
	}
	if m.ldapsearchPath == "" {
		m.ldapsearchPath = "ldapsearch"
	}
	if m.tempDir == "" {
		m.tempDir = os.TempDir()
	}
	if m.marker == nil {
		m.marker = uuid.NewString
	}
	if m.initTimeout <= 0 {
		m.initTimeout = defaultInitTimeout
	}
	if m.waitTimeout <= 0 {
		m.waitTimeout = defaultWaitTimeout
	}

	return m, nil
}

func (m *DsconfManager) dsconf(ctx context.Context, inst dsinstance.Instance, args ...string) (string, error) {
	return m.run(ctx, m.dsconfPath, append([]string{inst.ServerID()}, args...)...)
}

// run executes one of the directory tools, flagging failures that come from
// a server which is still starting or briefly unreachable as transient.
func (m *DsconfManager) run(ctx context.Context, path string, args ...string) (string, error) {
	out, err := m.runner.Run(ctx, path, args...)
	if err != nil {
		var cmdErr *cmdrunner.CommandError
		if errors.As(err, &cmdErr) {
			for _, marker := range transientMarkers {
				if strings.Contains(cmdErr.Stderr, marker) {
					return out, MarkTransient(err)
				}
			}
		}
		return out, err
	}
	return out, nil
}

func (m *DsconfManager) newPoller(ctx context.Context, maxElapsed time.Duration) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = maxElapsed
	return backoff.WithContext(b, ctx)
}

func (m *DsconfManager) enableReplication(ctx context.Context, inst dsinstance.Instance, role dsinstance.Role) error {
	_, err := m.dsconf(ctx, inst, "replication", "get", "--suffix", m.suffix)
	if err == nil {
		m.logger.Debug("replication already enabled", zap.String("serverId", inst.ServerID()))
		return nil
	}

	args := []string{"replication", "enable",
		"--suffix", m.suffix,
		"--role", role.String(),
		"--bind-dn", m.bindDN,
		"--bind-passwd", m.bindPassword,
	}
	if role == dsinstance.RoleSupplier {
		args = append(args, "--replica-id", strconv.Itoa(inst.ReplicaID()))
	}

	_, err = m.dsconf(ctx, inst, args...)
	if err != nil {
		return errors.Wrapf(err, "failed to enable replication on %s", inst.ServerID())
	}
	return nil
}

func (m *DsconfManager) agreementFor(from, to dsinstance.Instance) Agreement {
	return Agreement{From: from.ServerID(), To: to.ServerID(), Suffix: m.suffix}
}

func (m *DsconfManager) createAgreement(ctx context.Context, from, to dsinstance.Instance) (bool, error) {
	agmt := m.agreementFor(from, to)

	_, err := m.dsconf(ctx, from, "repl-agmt", "get", "--suffix", m.suffix, agmt.Name())
	if err == nil {
		return false, nil
	}

	port := to.Port()
	protocol := "LDAP"
	if m.useTLS {
		port = to.SecurePort()
		protocol = "LDAPS"
	}

	m.logger.Info("creating agreement",
		zap.String("from", agmt.From),
		zap.String("to", agmt.To))

	_, err = m.dsconf(ctx, from, "repl-agmt", "create",
		"--suffix", m.suffix,
		"--host", to.Host(),
		"--port", strconv.Itoa(port),
		"--conn-protocol", protocol,
		"--bind-dn", m.bindDN,
		"--bind-passwd", m.bindPassword,
		"--bind-method", "SIMPLE",
		agmt.Name())
	if err != nil {
		return false, errors.Wrapf(err, "failed to create agreement %s", agmt)
	}

	return true, nil
}

// initialize performs a total update over the from->to agreement and waits
// for it to complete.
func (m *DsconfManager) initialize(ctx context.Context, from, to dsinstance.Instance) error {
	agmt := m.agreementFor(from, to)

	_, err := m.dsconf(ctx, from, "repl-agmt", "init", "--suffix", m.suffix, agmt.Name())
	if err != nil {
		return errors.Wrapf(err, "failed to start initialization of %s", agmt)
	}

	return m.awaitInit(ctx, from, to)
}

// awaitInit polls the from->to agreement until its total update completes.
func (m *DsconfManager) awaitInit(ctx context.Context, from, to dsinstance.Instance) error {
	agmt := m.agreementFor(from, to)

	err := backoff.Retry(func() error {
		out, err := m.dsconf(ctx, from, "repl-agmt", "init-status", "--suffix", m.suffix, agmt.Name())
		if err != nil {
			if IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if strings.Contains(out, "successfully initialized") {
			return nil
		}
		if strings.Contains(out, "failed") {
			return backoff.Permanent(errors.Wrap(ErrInitFailed, strings.TrimSpace(out)))
		}
		return errors.New("initialization in progress")
	}, m.newPoller(ctx, m.initTimeout))
	if err != nil {
		return errors.Wrapf(err, "initialization of %s did not complete", agmt)
	}

	return nil
}

func (m *DsconfManager) CreateFirstSupplier(ctx context.Context, seed dsinstance.Instance) error {
	return m.enableReplication(ctx, seed, dsinstance.RoleSupplier)
}

// initIfNeeded asks the supplier how far the from->to agreement got before
// deciding whether a total update is still required.  An attempt that created
// the agreement and then failed before initialization completed is picked up
// here on retry.
func (m *DsconfManager) initIfNeeded(ctx context.Context, from, to dsinstance.Instance) error {
	agmt := m.agreementFor(from, to)

	out, err := m.dsconf(ctx, from, "repl-agmt", "init-status", "--suffix", m.suffix, agmt.Name())
	if err != nil {
		return errors.Wrapf(err, "failed to read initialization status of %s", agmt)
	}

	switch {
	case strings.Contains(out, "successfully initialized"):
		m.logger.Debug("agreement already initialized", zap.Stringer("agreement", agmt))
		return nil
	case strings.Contains(out, "in progress"):
		return m.awaitInit(ctx, from, to)
	}

	return m.initialize(ctx, from, to)
}

func (m *DsconfManager) join(ctx context.Context, from, to dsinstance.Instance, role dsinstance.Role) error {
	if err := m.enableReplication(ctx, to, role); err != nil {
		return err
	}

	_, err := m.createAgreement(ctx, from, to)
	if err != nil {
		return err
	}

	return m.initIfNeeded(ctx, from, to)
}

func (m *DsconfManager) JoinSupplier(ctx context.Context, seed, supplier dsinstance.Instance) error {
	if err := m.join(ctx, seed, supplier, dsinstance.RoleSupplier); err != nil {
		return err
	}

	_, err := m.createAgreement(ctx, supplier, seed)
	return err
}

func (m *DsconfManager) JoinHub(ctx context.Context, seed, hub dsinstance.Instance) error {
	return m.join(ctx, seed, hub, dsinstance.RoleHub)
}

func (m *DsconfManager) JoinConsumer(ctx context.Context, feeder, consumer dsinstance.Instance) error {
	return m.join(ctx, feeder, consumer, dsinstance.RoleConsumer)
}

func (m *DsconfManager) EnsureAgreement(ctx context.Context, from, to dsinstance.Instance) error {
	_, err := m.createAgreement(ctx, from, to)
	return err
}

// WaitForReplication writes a fresh marker into the description of the
// suffix entry on from and waits for it to be readable on to.  Any path of
// agreements between the two instances satisfies it.
func (m *DsconfManager) WaitForReplication(ctx context.Context, from, to dsinstance.Instance) error {
	marker := "dstopo-sync " + m.marker()

	err := m.writeMarker(ctx, from, marker)
	if err != nil {
		return err
	}

	err = backoff.Retry(func() error {
		out, err := m.run(ctx, m.ldapsearchPath,
			"-x", "-LLL",
			"-H", ldapURL(to),
			"-D", m.rootDN,
			"-w", m.rootPassword,
			"-b", m.suffix,
			"-s", "base",
			"description")
		if err != nil {
			if IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if strings.Contains(out, marker) {
			return nil
		}
		return ErrReplicationTimeout
	}, m.newPoller(ctx, m.waitTimeout))
	if err != nil {
		if errors.Is(err, ErrReplicationTimeout) {
			return errors.Wrapf(err, "%s to %s", from.ServerID(), to.ServerID())
		}
		return errors.Wrapf(err, "failed waiting for %s to reach %s", from.ServerID(), to.ServerID())
	}

	m.logger.Debug("replication confirmed",
		zap.String("from", from.ServerID()),
		zap.String("to", to.ServerID()))
	return nil
}

func (m *DsconfManager) writeMarker(ctx context.Context, inst dsinstance.Instance, marker string) error {
	ldif, err := os.CreateTemp(m.tempDir, "dstopo-marker-*.ldif")
	if err != nil {
		return errors.Wrap(err, "failed to create marker ldif")
	}
	defer os.Remove(ldif.Name())

	_, err = fmt.Fprintf(ldif, "dn: %s\nchangetype: modify\nreplace: description\ndescription: %s\n", m.suffix, marker)
	closeErr := ldif.Close()
	if err != nil {
		return errors.Wrap(err, "failed to write marker ldif")
	}
	if closeErr != nil {
		return errors.Wrap(closeErr, "failed to write marker ldif")
	}

	_, err = m.run(ctx, m.ldapmodifyPath,
		"-x",
		"-H", ldapURL(inst),
		"-D", m.rootDN,
		"-w", m.rootPassword,
		"-f", ldif.Name())
	if err != nil {
		return errors.Wrapf(err, "failed to write replication marker on %s", inst.ServerID())
	}
	return nil
}

func ldapURL(inst dsinstance.Instance) string {
	return "ldap://" + net.JoinHostPort(inst.Host(), strconv.Itoa(inst.Port()))
}

func (m *DsconfManager) listAgreements(ctx context.Context, inst dsinstance.Instance) ([]string, error) {
	out, err := m.dsconf(ctx, inst, "repl-agmt", "list", "--suffix", m.suffix)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list agreements on %s", inst.ServerID())
	}

	var names []string
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if name, ok := strings.CutPrefix(line, "cn:"); ok {
			names = append(names, strings.TrimSpace(name))
		}
	}
	return names, nil
}

func (m *DsconfManager) setAgreementsEnabled(ctx context.Context, inst dsinstance.Instance, enabled bool) error {
	names, err := m.listAgreements(ctx, inst)
	if err != nil {
		return err
	}

	action := "disable"
	if enabled {
		action = "enable"
	}

	for _, name := range names {
		_, err := m.dsconf(ctx, inst, "repl-agmt", action, "--suffix", m.suffix, name)
		if err != nil {
			return errors.Wrapf(err, "failed to %s agreement %s on %s", action, name, inst.ServerID())
		}
	}

	return nil
}

func (m *DsconfManager) PauseAgreements(ctx context.Context, inst dsinstance.Instance) error {
	return m.setAgreementsEnabled(ctx, inst, false)
}

func (m *DsconfManager) ResumeAgreements(ctx context.Context, inst dsinstance.Instance) error {
	return m.setAgreementsEnabled(ctx, inst, true)
}
