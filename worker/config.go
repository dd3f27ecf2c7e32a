package worker

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/guseggert/rconvert/converter"
)

// EnvRPCPort is set in the worker's environment to the port it must listen on.
// The port in the config is authoritative; a worker whose environment disagrees with it refuses to start.
const EnvRPCPort = "RCONVERT_RPC_PORT"

// Config is everything a worker needs to start. It is passed as a single command line argument.
type Config struct {
	Entry   string
	JobID   string
	Host    string
	RPCPort int

	// MemoryLimitMB is the soft memory limit for the worker's runtime, in MiB.
	MemoryLimitMB int64

	Settings converter.Settings `json:",omitempty"`

	// ParentPID is the PID of the launching process. The worker exits once it is orphaned.
	ParentPID int `json:",omitempty"`

	// When set, the worker only accepts mutual TLS connections.
	CACertPEM []byte `json:",omitempty"`
	CertPEM   []byte `json:",omitempty"`
	KeyPEM    []byte `json:",omitempty"`

	LogLevel string `json:",omitempty"`
}

func (c *Config) Encode() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshaling worker config: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func DecodeConfig(s string) (*Config, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding worker config: %w", err)
	}
	c := &Config{}
	err = json.Unmarshal(b, c)
	if err != nil {
		return nil, fmt.Errorf("unmarshaling worker config: %w", err)
	}
	if c.RPCPort <= 0 || c.RPCPort > 65535 {
		return nil, fmt.Errorf("invalid rpc port %d", c.RPCPort)
	}
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	return c, nil
}

// Args returns the command line arguments that pass c to a worker.
func (c *Config) Args() ([]string, error) {
	enc, err := c.Encode()
	if err != nil {
		return nil, err
	}
	return []string{"--config", enc}, nil
}

// Env returns the environment variables that accompany c.
func (c *Config) Env() []string {
	env := []string{EnvRPCPort + "=" + strconv.Itoa(c.RPCPort)}
	if c.MemoryLimitMB > 0 {
		env = append(env, fmt.Sprintf("GOMEMLIMIT=%dMiB", c.MemoryLimitMB))
	}
	return env
}

// checkEnv verifies that the port in the environment, if any, matches the config.
func (c *Config) checkEnv(getenv func(string) string) error {
	v := getenv(EnvRPCPort)
	if v == "" {
		return nil
	}
	port, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", EnvRPCPort, v, err)
	}
	if port != c.RPCPort {
		return fmt.Errorf("%s is %d but config port is %d", EnvRPCPort, port, c.RPCPort)
	}
	return nil
}

func (c *Config) secure() bool { return len(c.CACertPEM) > 0 }
