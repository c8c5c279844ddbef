package wsmux

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is the file form of the session options.
//
//	role: server
//	idle_timeout: 30s
//	heartbeat_interval: 10s
//	buffer_size: 65536
//	batch_mode: on
type Config struct {
	Role              string        `yaml:"role"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	HeartBeatInterval time.Duration `yaml:"heartbeat_interval"`
	BufferSize        int           `yaml:"buffer_size"`
	BatchMode         BatchMode     `yaml:"batch_mode"`
}

func (mode *BatchMode) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseBatchMode(value.Value)
	if err != nil {
		return err
	}
	*mode = parsed
	return nil
}

func (mode BatchMode) MarshalYAML() (interface{}, error) {
	return mode.String(), nil
}

func ParseConfig(data []byte) (*Config, error) {
	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if _, err := config.role(); err != nil {
		return nil, err
	}
	if config.BufferSize < 0 {
		return nil, errors.Errorf("buffer_size must not be negative, got %d", config.BufferSize)
	}
	return config, nil
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	return ParseConfig(data)
}

func (config *Config) role() (roleType, error) {
	switch config.Role {
	case "", "server":
		return RoleServer, nil
	case "client":
		return RoleClient, nil
	default:
		return 0, errors.Errorf("unknown role %q", config.Role)
	}
}

// Options converts the config into session options; logger may be nil.
func (config *Config) Options(logger *zap.Logger) []Option {
	role, _ := config.role()
	options := []Option{
		WithRole(role),
		WithIdleTimeout(config.IdleTimeout),
		WithHeartBeatInterval(config.HeartBeatInterval),
	}
	if config.BufferSize > 0 {
		options = append(options, WithBufferSize(config.BufferSize))
	}
	if logger != nil {
		options = append(options, WithLogger(ZapLogger(logger)))
	}
	return options
}

// NewRemoteEndpoint builds an endpoint over transport in the configured batch mode.
func (config *Config) NewRemoteEndpoint(transport Transport, options ...EndpointOption) *RemoteEndpoint {
	return NewRemoteEndpoint(transport, config.BatchMode, options...)
}
