package main

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sync"

	"github.com/couchbaselabs/dstopo/pkg/webapi"
	"github.com/couchbaselabs/dstopo/topology"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var buildVersion string = getBuildVersion()

func getBuildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "dev"
	}
	return info.Main.Version
}

var rootCmd = &cobra.Command{
	Version: buildVersion,

	Use:   "dstopo",
	Short: "Builds replicated 389 directory server topologies",

	SilenceUsage: true,
}

var cfgFile string
var watchCfgFile bool

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "specifies a config file to load")
	rootCmd.PersistentFlags().BoolVar(&watchCfgFile, "watch-config", false, "indicates whether to watch the config file for changes")

	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.String("log-level", "info", "the log level to run at")
	configFlags.String("bind-address", "127.0.0.1", "the local address the web api binds to")
	configFlags.Int("web-port", -1, "the web metrics/health port, -1 disables it")
	configFlags.String(topology.ConfigKeySuffix, "", "the replicated suffix, required for anything but standalones")
	configFlags.String(topology.ConfigKeyHost, "localhost", "the host instances listen on")
	configFlags.Int(topology.ConfigKeyPortOffset, 0, "added to every instance port")
	configFlags.String(topology.ConfigKeyCADir, "", "where the shared CA is kept, a temporary directory by default")
	configFlags.Bool(topology.ConfigKeyTLS, false, "enable TLS on every instance")
	configFlags.Bool(topology.ConfigKeyDisableTLSHostnameCheck, false, "turn off TLS hostname verification on every instance")
	configFlags.Bool(topology.ConfigKeyCheckPorts, false, "fail early when an instance port is already taken")
	configFlags.Int(topology.ConfigKeyDeadline, -1, "seconds before the watchdog tears the topology down, 0 disables it, -1 keeps the "+topology.DefaultDeadline.String()+" default")
	configFlags.Bool(topology.ConfigKeyDebug, false, "raise instance log levels and keep instances after exit")
	rootCmd.PersistentFlags().AddFlagSet(configFlags)

	topology.ConfigureEnv(viper.GetViper())

	_ = viper.BindPFlags(configFlags)

	rootCmd.AddCommand(createCmd, planCmd, destroyCmd, presetsCmd)
}

func initTelemetry(ctx context.Context, logger *zap.Logger) (*sdkmetric.MeterProvider, error) {
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName("dstopo"),
			semconv.ServiceVersion(buildVersion),
		),
	)
	if err != nil {
		if res == nil {
			return nil, err
		}

		logger.Warn("failed to setup some part of opentelemetry resource", zap.Error(err))
	}

	promExp, err := prometheus.New()
	if err != nil {
		return nil, err
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	), nil
}

func getLogger() (zap.AtomicLevel, *zap.Logger) {
	logLevel := zap.NewAtomicLevel()
	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	jsonEncoder := zapcore.NewJSONEncoder(logConfig)
	core := zapcore.NewTee(
		zapcore.NewCore(jsonEncoder, zapcore.AddSync(os.Stderr), logLevel),
	)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logLevel, logger
}

func parseLogLevel(logger *zap.Logger, levelStr string) zapcore.Level {
	level, err := zapcore.ParseLevel(levelStr)
	if err != nil {
		logger.Warn("invalid log level specified, using INFO instead", zap.String("level", levelStr))
		return zapcore.InfoLevel
	}
	return level
}

// app is the process-wide state shared by the subcommands.
type app struct {
	logLevel zap.AtomicLevel
	logger   *zap.Logger
	web      *webapi.WebServer

	configLock sync.Mutex
}

func startApp(ctx context.Context, status func() interface{}) (*app, error) {
	logLevel, logger := getLogger()

	logger.Info("starting dstopo",
		zap.String("version", buildVersion),
		zap.String("config", cfgFile),
		zap.Bool("watch-config", watchCfgFile))

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		err := viper.ReadInConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", cfgFile, err)
		}
	}

	logLevel.SetLevel(parseLogLevel(logger, viper.GetString("log-level")))

	meterProvider, err := initTelemetry(ctx, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize opentelemetry metrics: %w", err)
	}
	otel.SetMeterProvider(meterProvider)

	a := &app{
		logLevel: logLevel,
		logger:   logger,
	}

	webPort := viper.GetInt("web-port")
	if webPort >= 0 {
		a.web = webapi.InitializeWebServer(webapi.WebServerOptions{
			Logger:        logger.Named("webapi"),
			LogLevel:      &a.logLevel,
			ListenAddress: fmt.Sprintf("%s:%d", viper.GetString("bind-address"), webPort),
			Status:        status,
		})
	}

	if watchCfgFile && cfgFile != "" {
		viper.OnConfigChange(func(in fsnotify.Event) {
			logger.Info("configuration file change detected", zap.String("file", in.Name))
			a.reloadConfiguration()
		})

		go viper.WatchConfig()
	}

	return a, nil
}

// reloadConfiguration only applies the log level.  Everything else describes
// the topology itself and is fixed once it is built.
func (a *app) reloadConfiguration() {
	a.configLock.Lock()
	defer a.configLock.Unlock()

	if cfgFile != "" {
		err := viper.ReadInConfig()
		if err != nil {
			a.logger.Warn("failed to parse configuration file", zap.Error(err))
			return
		}
	}

	newLevel := parseLogLevel(a.logger, viper.GetString("log-level"))
	if newLevel != a.logLevel.Level() {
		a.logLevel.SetLevel(newLevel)
		a.logger.Info("updated log level", zap.String("newLevel", newLevel.String()))
	}
}

func (a *app) markHealthy(healthy bool) {
	if a.web != nil {
		a.web.MarkHealthy(healthy)
	}
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}
