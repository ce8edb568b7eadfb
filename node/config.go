package node

import (
	"flag"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds every process-level setting. Defaults come from
// DefaultConfig, then the environment (LoadEnv), then flags (RegisterFlags).
type Config struct {
	StateDir          string
	BridgeHost        string
	BridgePort        int
	DefaultCapability string   // what "any" resolves to
	Capabilities      []string // registered in the directory at startup
	InferenceURL      string
	InferenceModel    string
	BroadcastInterval time.Duration
	ListenAddrs       []string
	LogLevel          string
	EphemeralKey      bool
}

// DefaultConfig mirrors the settings of a stock node.
func DefaultConfig() Config {
	return Config{
		StateDir:          "./.meshclaw",
		BridgeHost:        "127.0.0.1",
		BridgePort:        3001,
		DefaultCapability: "llm:llama3",
		Capabilities:      []string{"embedding"},
		InferenceURL:      "http://127.0.0.1:11434",
		InferenceModel:    "llama3",
		BroadcastInterval: 10 * time.Second,
		LogLevel:          "info",
	}
}

// LoadEnv overrides c from MESHCLAW_* variables. Unset variables keep their
// current value; malformed ones are an error.
func (c *Config) LoadEnv(getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}
	str("MESHCLAW_STATE_DIR", &c.StateDir)
	str("MESHCLAW_DEFAULT_CAPABILITY", &c.DefaultCapability)
	str("MESHCLAW_INFERENCE_URL", &c.InferenceURL)
	str("MESHCLAW_INFERENCE_MODEL", &c.InferenceModel)
	str("MESHCLAW_LOG_LEVEL", &c.LogLevel)

	if v := getenv("MESHCLAW_BRIDGE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: MESHCLAW_BRIDGE_PORT: %w", err)
		}
		c.BridgePort = port
	}
	if v := getenv("MESHCLAW_BROADCAST_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: MESHCLAW_BROADCAST_INTERVAL: %w", err)
		}
		c.BroadcastInterval = d
	}
	if v := getenv("MESHCLAW_CAPABILITIES"); v != "" {
		c.Capabilities = splitList(v)
	}
	if v := getenv("MESHCLAW_LISTEN"); v != "" {
		c.ListenAddrs = splitList(v)
	}
	if v := getenv("MESHCLAW_EPHEMERAL_KEY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: MESHCLAW_EPHEMERAL_KEY: %w", err)
		}
		c.EphemeralKey = b
	}
	return c.Validate()
}

// RegisterFlags binds command-line flags to c, using c's current values as
// defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.StateDir, "state-dir", c.StateDir, "directory for the key, snapshot and journal")
	fs.IntVar(&c.BridgePort, "bridge-port", c.BridgePort, "gateway websocket port on "+c.BridgeHost)
	fs.StringVar(&c.DefaultCapability, "default-capability", c.DefaultCapability, `capability that "any" resolves to`)
	fs.Func("capabilities", "comma-separated capabilities to register", func(v string) error {
		c.Capabilities = splitList(v)
		return nil
	})
	fs.StringVar(&c.InferenceURL, "inference-url", c.InferenceURL, "compute provider base URL")
	fs.StringVar(&c.InferenceModel, "inference-model", c.InferenceModel, "compute provider model name")
	fs.DurationVar(&c.BroadcastInterval, "broadcast-interval", c.BroadcastInterval, "document broadcast period")
	fs.Func("listen", "comma-separated libp2p listen multiaddrs", func(v string) error {
		c.ListenAddrs = splitList(v)
		return nil
	})
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.BoolVar(&c.EphemeralKey, "ephemeral-key", c.EphemeralKey, "generate a new identity instead of loading node.key")
}

// Validate rejects settings the node cannot start with.
func (c Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("config: state dir is empty")
	}
	if c.BridgePort < 0 || c.BridgePort > 65535 {
		return fmt.Errorf("config: bridge port %d out of range", c.BridgePort)
	}
	if c.BroadcastInterval <= 0 {
		return fmt.Errorf("config: broadcast interval must be positive")
	}
	if c.DefaultCapability == "" {
		return fmt.Errorf("config: default capability is empty")
	}
	return nil
}

// BridgeAddr is the gateway listen address.
func (c Config) BridgeAddr() string {
	return net.JoinHostPort(c.BridgeHost, strconv.Itoa(c.BridgePort))
}

// KeyPath is where the node identity is persisted.
func (c Config) KeyPath() string { return filepath.Join(c.StateDir, "node.key") }

// MemoryPath is the document snapshot database.
func (c Config) MemoryPath() string { return filepath.Join(c.StateDir, "memory.db") }

// VectorPath is the embedding index database.
func (c Config) VectorPath() string { return filepath.Join(c.StateDir, "vectors.db") }

// JournalPath is the delegation audit journal.
func (c Config) JournalPath() string { return filepath.Join(c.StateDir, "delegations.log") }

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
