package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type LoggerFileConfig struct {
	LogLevel *string `yaml:"log_level" toml:"log_level"`
	LogFile  *string `yaml:"log_file" toml:"log_file"`
}

// FileConfig is the optional config file. Only keys present in the file are applied,
// and they take precedence over flags and environment variables.
type FileConfig struct {
	Target *string           `yaml:"target" toml:"target"`
	Srv    *bool             `yaml:"srv" toml:"srv"`
	Bind   *string           `yaml:"bind" toml:"bind"`
	Logger *LoggerFileConfig `yaml:"logger" toml:"logger"`
}

// DefaultConfigFile is loaded from the working directory when no config file is given
const DefaultConfigFile = "config.yaml"

// resolveConfigFile returns the config file to load, or an empty string when there is none
func resolveConfigFile(configured string) string {
	if configured != "" {
		return configured
	}
	if _, err := os.Stat(DefaultConfigFile); err == nil {
		return DefaultConfigFile
	}
	return ""
}

// LoadConfigFile decodes a YAML or TOML file, chosen by the file's extension
func LoadConfigFile(path string) (*FileConfig, error) {
	var fileConfig FileConfig

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		file, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrap(err, "could not open config file")
		}
		//goland:noinspection GoUnhandledErrorResult
		defer file.Close()

		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(&fileConfig); err != nil {
			return nil, errors.Wrapf(err, "could not parse YAML config file %s", path)
		}

	case ".toml":
		metadata, err := toml.DecodeFile(path, &fileConfig)
		if err != nil {
			return nil, errors.Wrapf(err, "could not parse TOML config file %s", path)
		}
		for _, key := range metadata.Undecoded() {
			logrus.
				WithField("file", path).
				WithField("key", key.String()).
				Warn("Ignoring unknown key in config file")
		}

	default:
		return nil, errors.Errorf("config file %s must have a .yaml, .yml or .toml extension", path)
	}

	return &fileConfig, nil
}

// ApplyTo overrides cliConfig with the keys present in the file
func (f *FileConfig) ApplyTo(cliConfig *CliConfig) {
	if f.Target != nil {
		cliConfig.ServerConfig.Target = *f.Target
	}
	if f.Srv != nil {
		cliConfig.ServerConfig.Srv = *f.Srv
	}
	if f.Bind != nil {
		cliConfig.ServerConfig.Bind = *f.Bind
	}
	if f.Logger != nil {
		if f.Logger.LogLevel != nil {
			cliConfig.LogLevel = *f.Logger.LogLevel
		}
		if f.Logger.LogFile != nil {
			cliConfig.LogFile = *f.Logger.LogFile
		}
	}
}
