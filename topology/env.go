package topology

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Configuration keys shared by the environment (DSTOPO_<KEY> with dashes
// turned into underscores), config files and command line flags.
const (
	ConfigKeyDebug                   = "debug"
	ConfigKeyDisableTLSHostnameCheck = "disable-tls-hostname-check"
	ConfigKeyHost                    = "host"
	ConfigKeyPortOffset              = "port-offset"
	ConfigKeyCADir                   = "ca-dir"
	ConfigKeyTLS                     = "tls"
	ConfigKeyCheckPorts              = "check-ports"
	ConfigKeyDeadline                = "deadline"
	ConfigKeySuffix                  = "suffix"
)

const EnvPrefix = "dstopo"

// NewEnvConfig returns a viper instance reading DSTOPO_* variables.
func NewEnvConfig() *viper.Viper {
	v := viper.New()
	ConfigureEnv(v)
	return v
}

func ConfigureEnv(v *viper.Viper) {
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	v.SetDefault(ConfigKeyHost, "localhost")
}

// ApplyConfig copies the configured values from v onto opts.  The deadline
// is only threaded through when it was explicitly configured.
func ApplyConfig(v *viper.Viper, opts *Options) {
	opts.Debug = v.GetBool(ConfigKeyDebug)
	opts.DisableTLSHostnameCheck = v.GetBool(ConfigKeyDisableTLSHostnameCheck)
	opts.Host = v.GetString(ConfigKeyHost)
	opts.PortOffset = v.GetInt(ConfigKeyPortOffset)
	opts.CADir = v.GetString(ConfigKeyCADir)
	opts.TLS = v.GetBool(ConfigKeyTLS)
	opts.CheckPorts = v.GetBool(ConfigKeyCheckPorts)

	if suffix := v.GetString(ConfigKeySuffix); suffix != "" && opts.Suffix == "" {
		opts.Suffix = suffix
	}

	if v.IsSet(ConfigKeyDeadline) {
		seconds := v.GetInt(ConfigKeyDeadline)
		deadline := DefaultDeadline
		if seconds >= 0 {
			deadline = time.Duration(seconds) * time.Second
		}
		opts.Deadline = &deadline
	}
}

// OptionsFromEnv returns Options populated from the DSTOPO_* environment.
func OptionsFromEnv() *Options {
	opts := &Options{}
	ApplyConfig(NewEnvConfig(), opts)
	return opts
}
