package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/itzg/go-flagsfiller"
	"github.com/itzg/mc-srv-proxy/server"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type CliConfig struct {
	Version  bool   `usage:"Output version and exit"`
	Debug    bool   `usage:"Enable debug logs"`
	Trace    bool   `usage:"Enable trace logs"`
	LogLevel string `usage:"Log [level] to use: trace, debug, info, warn, error or off. Takes precedence over debug and trace"`
	LogFile  string `usage:"If set, logs are also written to this [file], which is truncated at startup"`
	Config   string `usage:"Path to a YAML or TOML config [file] with target, srv, bind and logger keys. Keys in the file take precedence over flags. Defaults to config.yaml when present in the working directory"`

	ServerConfig server.Config `flag:""`
}

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func showVersion() {
	fmt.Printf("%v, commit %v, built at %v\n", version, commit, date)
}

func main() {
	var cliConfig CliConfig
	err := flagsfiller.Parse(&cliConfig, flagsfiller.WithEnv(""))
	if err != nil {
		logrus.WithError(err).Fatal("Unable to parse flags")
	}

	if cliConfig.Version {
		showVersion()
		os.Exit(0)
	}

	if configFile := resolveConfigFile(cliConfig.Config); configFile != "" {
		fileConfig, err := LoadConfigFile(configFile)
		if err != nil {
			logrus.WithError(err).Fatal("Unable to load config file")
		}
		fileConfig.ApplyTo(&cliConfig)
	}

	closeLogFile, err := setupLogging(&cliConfig)
	if err != nil {
		logrus.WithError(err).Fatal("Unable to set up logging")
	}
	defer closeLogFile()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	s, err := server.NewServer(ctx, &cliConfig.ServerConfig)
	if err != nil {
		logrus.WithError(err).Fatal("Could not set up server")
	}

	if err := s.Run(); err != nil {
		logrus.WithError(err).Error("Server failed")
		closeLogFile()
		os.Exit(1)
	}
}

// resolveLogLevel returns the level to use, where ok is false when logging is turned off
func resolveLogLevel(cliConfig *CliConfig) (level logrus.Level, ok bool, err error) {
	if cliConfig.LogLevel != "" {
		if strings.EqualFold(cliConfig.LogLevel, "off") {
			return logrus.PanicLevel, false, nil
		}
		level, err := logrus.ParseLevel(cliConfig.LogLevel)
		if err != nil {
			return 0, false, err
		}
		return level, true, nil
	}

	switch {
	case cliConfig.Trace:
		return logrus.TraceLevel, true, nil
	case cliConfig.Debug:
		return logrus.DebugLevel, true, nil
	default:
		return logrus.InfoLevel, true, nil
	}
}

// setupLogging applies the log level and optional log file.
// The returned func closes the log file, if any, and is safe to call more than once.
func setupLogging(cliConfig *CliConfig) (func(), error) {
	level, ok, err := resolveLogLevel(cliConfig)
	if err != nil {
		return nil, errors.Wrap(err, "invalid log level")
	}
	logrus.SetLevel(level)
	if !ok {
		logrus.SetOutput(io.Discard)
		return func() {}, nil
	}

	if level >= logrus.DebugLevel {
		logrus.WithField("level", level).Debug("Using verbose logging")
	}

	if cliConfig.LogFile == "" {
		return func() {}, nil
	}

	logFile, err := os.Create(cliConfig.LogFile)
	if err != nil {
		return nil, errors.Wrap(err, "could not create log file")
	}
	logrus.SetOutput(io.MultiWriter(os.Stdout, logFile))

	closed := false
	return func() {
		if !closed {
			closed = true
			//goland:noinspection GoUnhandledErrorResult
			logFile.Close()
		}
	}, nil
}
