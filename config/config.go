// Package config loads settings for the command-line tool from an optional
// YAML file and the environment.
package config

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/dargueta/inodefs"
	"github.com/dargueta/inodefs/presets"
	"github.com/dargueta/inodefs/superblock"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

const (
	envVarPrefix = "INODEFS"
	// ConfigFileEnvVar names a config file to use when none is given
	// explicitly.
	ConfigFileEnvVar = envVarPrefix + "_CONFIG_FILE"
)

// Config holds everything needed to open and format a volume image. Values from
// the environment take precedence over the config file.
type Config struct {
	// Image is the path to the image file on the host.
	Image string `envconfig:"IMAGE" yaml:"image"`
	// Preset is the slug of a volume preset used when formatting. TotalBlocks
	// and FileCount override the preset's values if set.
	Preset string `envconfig:"PRESET" yaml:"preset"`
	// TotalBlocks is the size of the image to create. 0 means use the preset,
	// or the size of the existing image.
	TotalBlocks uint `envconfig:"TOTAL_BLOCKS" yaml:"totalBlocks"`
	FileCount   int  `envconfig:"FILE_COUNT"   yaml:"fileCount"`
	NoCache     bool `envconfig:"NO_CACHE"     yaml:"noCache"`
	Verbose     bool `envconfig:"VERBOSE"      yaml:"verbose"`
}

// Load reads the config file at `path`, then applies overrides from the
// environment. If `path` is empty, the file named by $INODEFS_CONFIG_FILE is
// used if that variable is set; a missing file is only an error if it was asked
// for explicitly.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = os.Getenv(ConfigFileEnvVar)
	}

	var c Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if explicit || !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		} else if err := yaml.UnmarshalStrict(data, &c); err != nil {
			return nil, fmt.Errorf("unmarshaling config file %q: %w", path, err)
		}
	}

	if err := envconfig.Process(envVarPrefix, &c); err != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", err)
	}
	return &c, nil
}

// Validate checks settings needed by every command.
func (c *Config) Validate() error {
	if c.Image == "" {
		return inodefs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("missing required configuration: image / %s_IMAGE", envVarPrefix))
	}
	if c.FileCount < 0 {
		return inodefs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("file count can't be negative, got %d", c.FileCount))
	}
	if c.Preset != "" {
		if _, err := presets.Get(c.Preset); err != nil {
			return err
		}
	}
	return nil
}

// Geometry resolves the size of a new volume from the preset and explicit
// settings. A total of 0 means the size should be taken from the image file.
func (c *Config) Geometry() (uint, int, error) {
	totalBlocks := c.TotalBlocks
	fileCount := c.FileCount

	if c.Preset != "" {
		preset, err := presets.Get(c.Preset)
		if err != nil {
			return 0, 0, err
		}
		if totalBlocks == 0 {
			totalBlocks = preset.TotalBlocks
		}
		if fileCount == 0 {
			fileCount = preset.FileCount
		}
	}

	if fileCount == 0 {
		fileCount = superblock.DefaultInodeCount
	}
	return totalBlocks, fileCount, nil
}

// Logger returns a logger writing to `output` if verbose output is on, or one
// that discards everything.
func (c *Config) Logger(output io.Writer) *log.Logger {
	if !c.Verbose {
		output = io.Discard
	}
	return log.New(output, "inodefs: ", log.LstdFlags)
}
