package common

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	commonconfig "github.com/neocortix/ncscli-sub000/internal/common/config"
)

const envPrefix = "BATCHRUNNER"

// LoggingConfig defines console and optional rotating file logging.
type LoggingConfig struct {
	// Log level, e.g. info, debug
	Level string `validate:"oneof=trace debug info warn warning error fatal panic"`
	// Either text or json
	Format string `validate:"oneof=text json"`
	File   struct {
		Enabled bool
		// The location of the logfile on disk
		Path string `validate:"required_if=Enabled true"`
		// Maximum size in megabytes of the log file before it gets rotated
		MaxSizeMb int
		// Maximum number of old log files to retain
		MaxBackups int
		// Maximum number of days to retain old log files
		MaxAgeDays int
		Compress   bool
	}
}

// BindCommandlineArguments makes every flag of the given set visible to viper under its own name.
func BindCommandlineArguments(flags *pflag.FlagSet) {
	err := viper.BindPFlags(flags)
	if err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}

// LoadConfig populates config from, in increasing priority, the embedded defaults document,
// each of the user specified config files, BATCHRUNNER_ prefixed environment variables and
// any flags previously bound with BindCommandlineArguments.
func LoadConfig(config interface{}, defaults []byte, userSpecified []string) (*viper.Viper, error) {
	v := viper.GetViper()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, errors.Wrap(err, "error reading default configuration")
	}

	for _, configPath := range userSpecified {
		if configPath == "" {
			continue
		}
		v.SetConfigFile(configPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, errors.Wrapf(err, "error reading config from %s", configPath)
		}
		log.Infof("Read config from %s", v.ConfigFileUsed())
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if err := v.Unmarshal(config, commonconfig.CustomHooks...); err != nil {
		return nil, errors.Wrap(err, "error decoding configuration")
	}
	return v, nil
}

// ConfigureLogging sets up the standard logrus logger.
func ConfigureLogging(config LoggingConfig) error {
	level, err := log.ParseLevel(config.Level)
	if err != nil {
		return errors.WithStack(err)
	}
	log.SetLevel(level)
	log.SetFormatter(formatter(config.Format, true))
	log.SetOutput(os.Stdout)

	if config.File.Enabled {
		log.AddHook(&fileHook{
			writer: &lumberjack.Logger{
				Filename:   config.File.Path,
				MaxSize:    config.File.MaxSizeMb,
				MaxBackups: config.File.MaxBackups,
				MaxAge:     config.File.MaxAgeDays,
				Compress:   config.File.Compress,
			},
			formatter: formatter(config.Format, false),
		})
	}
	return nil
}

// ConfigureCommandLineLogging is used by the short maintenance commands.
func ConfigureCommandLineLogging() {
	commandLineFormatter := new(commandLineFormatter)
	log.SetFormatter(commandLineFormatter)
	log.SetOutput(os.Stdout)
}

func formatter(format string, colours bool) log.Formatter {
	if format == "json" {
		return &log.JSONFormatter{}
	}
	return &log.TextFormatter{ForceColors: colours, DisableColors: !colours, FullTimestamp: true}
}

type commandLineFormatter struct{}

// Format only logs the message, as the maintenance commands print results for humans.
func (commandLineFormatter) Format(entry *log.Entry) ([]byte, error) {
	return []byte(fmt.Sprintf("%s\n", entry.Message)), nil
}

// fileHook mirrors every entry to a rotating log file.
type fileHook struct {
	writer    io.Writer
	formatter log.Formatter
}

func (h *fileHook) Levels() []log.Level {
	return log.AllLevels
}

func (h *fileHook) Fire(entry *log.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.writer.Write(line)
	return err
}

// ServeMetrics exposes the default prometheus registry on the given port.
// The returned func shuts the server down.
func ServeMetrics(port uint16) (shutdown func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infof("serving metrics on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server failed")
		}
	}()
	return func() {
		if err := srv.Close(); err != nil {
			log.WithError(err).Warn("failed to close metrics server")
		}
	}
}
