package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

const (
	FileName = "questline.yml"

	defaultMaxOpenRequests = 32
)

// Config models questline.yml.
type Config struct {
	Handlers []HandlerConfig `yaml:"handlers" json:"handlers"`
	// Relayers may validate on behalf of participants.
	Relayers []string `yaml:"relayers" json:"relayers,omitempty"`
	Policies struct {
		// EnforceEndTime rejects joins and validations after a quest ends.
		// Unset means true.
		EnforceEndTime                *bool `yaml:"enforce_end_time" json:"enforce_end_time,omitempty"`
		MaxOpenRequestsPerParticipant int   `yaml:"max_open_requests_per_participant" json:"max_open_requests_per_participant,omitempty"`
	} `yaml:"policies" json:"policies"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
	Logging  struct {
		Level  string `yaml:"level" json:"level,omitempty"`
		Format string `yaml:"format" json:"format,omitempty"`
	} `yaml:"logging" json:"logging"`
}

// HandlerConfig declares a mission handler served by this node.
type HandlerConfig struct {
	Name    string `yaml:"name" json:"name"`
	Kind    string `yaml:"kind" json:"kind"`
	Address string `yaml:"address" json:"address"`
	// Responder is required for oracle handlers.
	Responder      string `yaml:"responder,omitempty" json:"responder,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

func (h HandlerConfig) HandlerAddress() common.Address   { return common.HexToAddress(h.Address) }
func (h HandlerConfig) ResponderAddress() common.Address { return common.HexToAddress(h.Responder) }
func (h HandlerConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutSeconds) * time.Second
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret,omitempty" json:"-"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

var handlerKinds = map[string]bool{"holder": true, "oracle": true, "allowlist": true}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ql init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	seen := map[common.Address]string{}
	for i, h := range c.Handlers {
		if h.Name == "" {
			return fmt.Errorf("config.handlers[%d].name is required", i)
		}
		if !handlerKinds[h.Kind] {
			return fmt.Errorf("handler %s has unknown kind %q", h.Name, h.Kind)
		}
		if !common.IsHexAddress(h.Address) {
			return fmt.Errorf("handler %s has invalid address %q", h.Name, h.Address)
		}
		addr := h.HandlerAddress()
		if addr == (common.Address{}) {
			return fmt.Errorf("handler %s has zero address", h.Name)
		}
		if prev, dup := seen[addr]; dup {
			return fmt.Errorf("handlers %s and %s share address %s", prev, h.Name, addr.Hex())
		}
		seen[addr] = h.Name
		if h.Kind == "oracle" && !common.IsHexAddress(h.Responder) {
			return fmt.Errorf("oracle handler %s requires a responder address", h.Name)
		}
		if h.TimeoutSeconds < 0 {
			return fmt.Errorf("handler %s has negative timeout", h.Name)
		}
	}
	for _, r := range c.Relayers {
		if !common.IsHexAddress(r) {
			return fmt.Errorf("relayer %q is not an address", r)
		}
	}
	if c.Policies.MaxOpenRequestsPerParticipant < 0 {
		return fmt.Errorf("config.policies.max_open_requests_per_participant must not be negative")
	}
	for i, w := range c.Webhooks {
		if strings.TrimSpace(w.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "console", "json":
	default:
		return fmt.Errorf("config.logging.format must be console or json")
	}
	return nil
}

// EnforceEndTime reports whether the engine rejects actions after a quest ends.
func (c *Config) EnforceEndTime() bool {
	if c == nil || c.Policies.EnforceEndTime == nil {
		return true
	}
	return *c.Policies.EnforceEndTime
}

// MaxOpenRequests bounds unanswered oracle requests per quest participant.
func (c *Config) MaxOpenRequests() int {
	if c == nil || c.Policies.MaxOpenRequestsPerParticipant == 0 {
		return defaultMaxOpenRequests
	}
	return c.Policies.MaxOpenRequestsPerParticipant
}

func (c *Config) RelayerAddresses() []common.Address {
	if c == nil {
		return nil
	}
	out := make([]common.Address, 0, len(c.Relayers))
	for _, r := range c.Relayers {
		out = append(out, common.HexToAddress(r))
	}
	return out
}

// Handler returns the handler declared under name.
func (c *Config) Handler(name string) (HandlerConfig, bool) {
	if c == nil {
		return HandlerConfig{}, false
	}
	for _, h := range c.Handlers {
		if h.Name == name {
			return h, true
		}
	}
	return HandlerConfig{}, false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `handlers:
  - name: nft-holder
    kind: holder
    address: "0x00000000000000000000000000000000000000a1"
  - name: allowlist
    kind: allowlist
    address: "0x00000000000000000000000000000000000000a2"
  # - name: snapshot
  #   kind: oracle
  #   address: "0x00000000000000000000000000000000000000a3"
  #   responder: "0x..."
  #   timeout_seconds: 3600

relayers: []

policies:
  enforce_end_time: true
  max_open_requests_per_participant: 32

webhooks: []

logging:
  level: info
  format: console
`
