package dsinstance

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchbaselabs/dstopo/utils/cmdrunner"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/ini.v1"
)

const (
	DefaultRootDN       = "cn=Directory Manager"
	DefaultRootPassword = "password"
	DefaultRunDir       = "/run/dirsrv"

	defaultOpenTimeout = 2 * time.Minute
)

type CLIFactoryOptions struct {
	Logger *zap.Logger
	Runner cmdrunner.Runner

	DscreatePath string
	DsctlPath    string
	DsconfPath   string

	RootDN       string
	RootPassword string

	// RunDir is where the server writes its pid files.
	RunDir string

	// InfDir receives the generated dscreate answer files; defaults to the
	// system temp directory.
	InfDir string

	OpenTimeout time.Duration
}

// CLIFactory allocates instances driven through the dscreate, dsctl and
// dsconf administration tools.
type CLIFactory struct {
	logger *zap.Logger
	runner cmdrunner.Runner

	dscreatePath string
	dsctlPath    string
	dsconfPath   string
	rootDN       string
	rootPassword string
	runDir       string
	infDir       string
	openTimeout  time.Duration
}

var _ Factory = (*CLIFactory)(nil)

func orDefault(value, def string) string {
	if value == "" {
		return def
	}
	return value
}

func NewCLIFactory(opts CLIFactoryOptions) (*CLIFactory, error) {
	if opts.Runner == nil {
		return nil, errors.New("a command runner is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	openTimeout := opts.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = defaultOpenTimeout
	}

	return &CLIFactory{
		logger:       logger,
		runner:       opts.Runner,
		dscreatePath: orDefault(opts.DscreatePath, "dscreate"),
		dsctlPath:    orDefault(opts.DsctlPath, "dsctl"),
		dsconfPath:   orDefault(opts.DsconfPath, "dsconf"),
		rootDN:       orDefault(opts.RootDN, DefaultRootDN),
		rootPassword: orDefault(opts.RootPassword, DefaultRootPassword),
		runDir:       orDefault(opts.RunDir, DefaultRunDir),
		infDir:       orDefault(opts.InfDir, os.TempDir()),
		openTimeout:  openTimeout,
	}, nil
}

func validServerID(id string) bool {
	if id == "" {
		return false
	}
	for _, c := range id {
		isAlnum := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		if !isAlnum && c != '-' && c != '_' {
			return false
		}
	}
	return true
}

func (f *CLIFactory) Allocate(params Params) (Instance, error) {
	if !validServerID(params.ServerID) {
		return nil, errors.Wrapf(ErrInvalidName, "server id %q", params.ServerID)
	}

	return &CLIInstance{
		factory: f,
		logger:  f.logger.Named(params.ServerID),
		params:  params,
	}, nil
}

type CLIInstance struct {
	factory *CLIFactory
	logger  *zap.Logger
	params  Params
}

var _ Instance = (*CLIInstance)(nil)

func (i *CLIInstance) ServerID() string { return i.params.ServerID }
func (i *CLIInstance) Host() string     { return i.params.Host }
func (i *CLIInstance) Port() int        { return i.params.Port }
func (i *CLIInstance) SecurePort() int  { return i.params.SecurePort }
func (i *CLIInstance) Role() Role       { return i.params.Role }
func (i *CLIInstance) ReplicaID() int   { return i.params.ReplicaID }
func (i *CLIInstance) Suffix() string   { return i.params.Suffix }

func (i *CLIInstance) dsctl(ctx context.Context, args ...string) (string, error) {
	return i.factory.runner.Run(ctx, i.factory.dsctlPath, append([]string{i.params.ServerID}, args...)...)
}

func (i *CLIInstance) dsconf(ctx context.Context, args ...string) (string, error) {
	return i.factory.runner.Run(ctx, i.factory.dsconfPath, append([]string{i.params.ServerID}, args...)...)
}

func (i *CLIInstance) Exists(ctx context.Context) (bool, error) {
	out, err := i.factory.runner.Run(ctx, i.factory.dsctlPath, "-l")
	if err != nil {
		return false, errors.Wrap(err, "failed to list instances")
	}

	want := "slapd-" + i.params.ServerID
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name == want || name == i.params.ServerID {
			return true, nil
		}
	}

	return false, nil
}

// answerFile builds the dscreate INF answer file for this instance.
func (i *CLIInstance) answerFile() *ini.File {
	cfg := ini.Empty()

	general := cfg.Section("general")
	general.Key("config_version").SetValue("2")
	general.Key("full_machine_name").SetValue(i.params.Host)
	general.Key("start").SetValue("True")

	slapd := cfg.Section("slapd")
	slapd.Key("instance_name").SetValue(i.params.ServerID)
	slapd.Key("port").SetValue(strconv.Itoa(i.params.Port))
	slapd.Key("secure_port").SetValue(strconv.Itoa(i.params.SecurePort))
	slapd.Key("root_dn").SetValue(i.factory.rootDN)
	slapd.Key("root_password").SetValue(i.factory.rootPassword)
	slapd.Key("self_sign_cert").SetValue("False")

	if i.params.Suffix != "" {
		backend := cfg.Section("backend-userroot")
		backend.Key("sample_entries").SetValue("yes")
		backend.Key("suffix").SetValue(i.params.Suffix)
	}

	return cfg
}

func (i *CLIInstance) Create(ctx context.Context) error {
	infFile, err := os.CreateTemp(i.factory.infDir, "dstopo-"+i.params.ServerID+"-*.inf")
	if err != nil {
		return errors.Wrap(err, "failed to create answer file")
	}
	defer os.Remove(infFile.Name())

	_, err = i.answerFile().WriteTo(infFile)
	closeErr := infFile.Close()
	if err != nil {
		return errors.Wrap(err, "failed to write answer file")
	}
	if closeErr != nil {
		return errors.Wrap(closeErr, "failed to write answer file")
	}

	args := []string{"from-file", infFile.Name()}
	if i.params.Verbose {
		args = append([]string{"-v"}, args...)
	}

	i.logger.Info("creating instance",
		zap.Int("port", i.params.Port),
		zap.Int("securePort", i.params.SecurePort),
		zap.String("suffix", i.params.Suffix))

	_, err = i.factory.runner.Run(ctx, i.factory.dscreatePath, args...)
	if err != nil {
		return errors.Wrapf(err, "failed to create instance %s", i.params.ServerID)
	}

	return nil
}

// Open waits until the server reports itself as running.
func (i *CLIInstance) Open(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = i.factory.openTimeout

	err := backoff.Retry(func() error {
		out, err := i.dsctl(ctx, "status")
		if err != nil {
			return err
		}
		if !strings.Contains(out, "is running") {
			return ErrNotRunning
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return errors.Wrapf(err, "instance %s did not come up", i.params.ServerID)
	}

	return nil
}

func (i *CLIInstance) Start(ctx context.Context) error {
	_, err := i.dsctl(ctx, "start")
	return errors.Wrapf(err, "failed to start %s", i.params.ServerID)
}

func (i *CLIInstance) Stop(ctx context.Context) error {
	_, err := i.dsctl(ctx, "stop")
	return errors.Wrapf(err, "failed to stop %s", i.params.ServerID)
}

func (i *CLIInstance) Restart(ctx context.Context) error {
	_, err := i.dsctl(ctx, "restart")
	return errors.Wrapf(err, "failed to restart %s", i.params.ServerID)
}

func (i *CLIInstance) Delete(ctx context.Context) error {
	i.logger.Info("removing instance")
	_, err := i.dsctl(ctx, "remove", "--do-it")
	return errors.Wrapf(err, "failed to remove %s", i.params.ServerID)
}

func (i *CLIInstance) SetConfig(ctx context.Context, key, value string) error {
	_, err := i.dsconf(ctx, "config", "replace", key+"="+value)
	return errors.Wrapf(err, "failed to set %s on %s", key, i.params.ServerID)
}

func (i *CLIInstance) EnableTLS(ctx context.Context, cfg TLSConfig) error {
	if cfg.CACertPath != "" {
		_, err := i.dsconf(ctx, "security", "ca-certificate", "add",
			"--file", cfg.CACertPath,
			"--name", "dstopo-ca")
		if err != nil {
			return errors.Wrap(err, "failed to import ca certificate")
		}
	}

	if cfg.ServerCertPath != "" && cfg.ServerKeyPath != "" {
		_, err := i.dsctl(ctx, "tls", "import-server-key-cert", cfg.ServerCertPath, cfg.ServerKeyPath)
		if err != nil {
			return errors.Wrap(err, "failed to import server certificate")
		}
	}

	_, err := i.dsconf(ctx, "config", "replace", "nsslapd-securePort="+strconv.Itoa(i.params.SecurePort))
	if err != nil {
		return errors.Wrap(err, "failed to set secure port")
	}

	_, err = i.dsconf(ctx, "security", "enable")
	if err != nil {
		return errors.Wrap(err, "failed to enable security")
	}

	return i.Restart(ctx)
}

func (i *CLIInstance) pidFilePath() string {
	return filepath.Join(i.factory.runDir, "slapd-"+i.params.ServerID+".pid")
}

func (i *CLIInstance) PID() (int, error) {
	data, err := os.ReadFile(i.pidFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNoPID
		}
		return 0, errors.Wrap(err, "failed to read pid file")
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, errors.Wrapf(ErrNoPID, "malformed pid file %s", i.pidFilePath())
	}

	return pid, nil
}
