package config

import (
	"chunkfs/location"
	"chunkfs/swarm/protocol"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/jsonc"
)

var log = logrus.New()

// Duration is a time.Duration written as a string ("5m") in the config file.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string such as \"5m\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config represents the configuration of a chunkfs node and its clients
type Config struct {
	// Default config file location
	configFile string

	// Node identity as it appears in recipes
	Node struct {
		ID    string   `json:"id"`
		Names []string `json:"names,omitempty"` // Derived from the listening addresses when empty
	} `json:"node"`

	// Service settings of the RPC endpoint
	Service struct {
		Listen            string   `json:"listen"`
		AdvertisedAddress string   `json:"advertised_address,omitempty"`
		Encoding          string   `json:"encoding"`
		Peers             []string `json:"peers,omitempty"`
	} `json:"service"`

	// Discovery announces nodes to each other over multicast
	Discovery struct {
		Multicast string `json:"multicast,omitempty"` // Group address, empty disables discovery
	} `json:"discovery"`

	// Locality controls block location names and local residency
	Locality struct {
		location.Config
		LocalCluster string `json:"local_cluster"`
		LocalMount   string `json:"local_mount,omitempty"`
	} `json:"locality"`

	Cache struct {
		TTL Duration `json:"ttl"`
	} `json:"cache"`

	DataStore struct {
		RecipePath string `json:"recipes"`
		NodePath   string `json:"nodes"`
		ChunkPath  string `json:"chunks"`
	} `json:"datastore"`

	// Client settings used by the read commands
	Client struct {
		Server string              `json:"server"`
		Nodes  map[string][]string `json:"nodes,omitempty"` // Network names of nodes, keyed by node ID
	} `json:"client"`

	BlockSize int64 `json:"block_size"`
}

// NewConfig generates a new configuration with default settings
func NewEmptyConfig(configFile string) *Config {
	cfg := &Config{}

	cfg.configFile = configFile

	cfg.Service.Listen = "0.0.0.0:41010"
	cfg.Service.Encoding = protocol.EncodingZstd.String()

	cfg.Locality.Config = location.DefaultConfig()
	cfg.Locality.LocalCluster = "local"

	cfg.Cache.TTL = Duration(5 * time.Minute)

	cfg.DataStore.RecipePath = "/tmp/chunkfs/recipes"
	cfg.DataStore.NodePath = "/tmp/chunkfs/nodes"
	cfg.DataStore.ChunkPath = "/tmp/chunkfs/chunks"

	cfg.Client.Server = "127.0.0.1:41010"

	cfg.BlockSize = 1 << 20

	return cfg
}

func NewConfigFromFile(configFile string) (*Config, error) {
	cfg := NewEmptyConfig(configFile)
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the file the config is loaded from and saved to.
func (c *Config) Path() string {
	return c.configFile
}

// Save saves the configuration to a file
func (c *Config) Save() error {
	log.Infof("Saving config to %s", c.configFile)

	// We'll marshall our structure to JSON and write it into a file
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.configFile, data, 0644)
}

// Load reads the file over the current values. Comments and trailing commas
// are allowed.
func (c *Config) Load() error {
	log.Infof("Loading config from %s", c.configFile)
	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(jsonc.ToJSON(data), c); err != nil {
		return fmt.Errorf("%s: %w", c.configFile, err)
	}

	return nil
}

// Validate checks the values that cannot be checked by decoding alone.
func (c *Config) Validate() error {
	if _, err := location.NewResolver(nil, c.Locality.Config); err != nil {
		return fmt.Errorf("locality: %w", err)
	}
	if _, err := protocol.ParseEncoding(c.Service.Encoding); err != nil {
		return fmt.Errorf("service.encoding: %w", err)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive, got %s", time.Duration(c.Cache.TTL))
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("block_size must be positive, got %d", c.BlockSize)
	}
	return nil
}
