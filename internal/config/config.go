package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"Bitvault/internal/topology"
)

const (
	// defaultIdentificationTimeout bounds the identification phase of an operation.
	defaultIdentificationTimeout = 10 * time.Second

	// defaultOperationTimeout bounds the execution phase of an operation.
	defaultOperationTimeout = 5 * time.Minute

	// defaultPageSize is the default number of ids per GetFileIDs page.
	defaultPageSize = 10000
)

// ErrConfig is returned for configuration files that cannot be used.
var ErrConfig = errors.New("invalid configuration")

// Duration is a time.Duration decoded from a Go duration string.
type Duration struct {
	time.Duration
}

// UnmarshalText parses values such as "10s" or "5m".
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	d.Duration = v

	return nil
}

// MarshalText renders the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Timeouts holds the two configured phases of an operation.
type Timeouts struct {
	Identification Duration `toml:"identification"` // Identification bounds the identification phase
	Operation      Duration `toml:"operation"`      // Operation bounds the execution phase
}

// Total returns identification + operation, the wait bound of a blocking call.
func (t Timeouts) Total() time.Duration {
	return t.Identification.Duration + t.Operation.Duration
}

// Policy holds the failure tolerance per operation class and paging limits.
type Policy struct {
	StoreMaxPillarFailures int `toml:"store_max_pillar_failures"` // StoreMaxPillarFailures is maxAcceptableFailures for Put
	BatchMaxPillarFailures int `toml:"batch_max_pillar_failures"` // BatchMaxPillarFailures is maxAcceptableFailures for batch jobs
	GetFileIDsMaxResults   int `toml:"get_file_ids_max_results"`  // GetFileIDsMaxResults is the GetFileIDs page size
}

// Exchange locates the staging exchange files are transferred through.
type Exchange struct {
	URL string `toml:"url"` // URL is the base URL of the exchange file area
}

// ChecksumEntry is the checksum spec of a collection as written in the file.
type ChecksumEntry struct {
	Algorithm string `toml:"algorithm"` // Algorithm is the digest algorithm name
	Salt      string `toml:"salt"`      // Salt is the hex-encoded HMAC key, empty for plain digests
}

// CollectionEntry is one [[collection]] table.
type CollectionEntry struct {
	ID       string        `toml:"id"`       // ID is the collection identifier
	Pillars  []string      `toml:"pillars"`  // Pillars is the ordered pillar list
	Checksum ChecksumEntry `toml:"checksum"` // Checksum is the digest spec
}

// ReplicaEntry is one [[replica]] table.
type ReplicaEntry struct {
	ID      string   `toml:"id"`      // ID is the replica identifier
	Type    string   `toml:"type"`    // Type is BITARCHIVE or CHECKSUM
	Pillars []string `toml:"pillars"` // Pillars lists owned pillars
}

// PillarEntry is one [[pillar]] table.
type PillarEntry struct {
	ID        string `toml:"id"`         // ID is the pillar identifier
	Address   string `toml:"address"`    // Address is the QUIC address of the pillar
	PublicKey string `toml:"public_key"` // PublicKey is the hex BLS key used to verify replies
	Identity  string `toml:"identity"`   // Identity is the hex ed25519 key the pillar presents
}

// Config is the client configuration file.
type Config struct {
	ComponentID       string            `toml:"component_id"`       // ComponentID identifies this client in messages
	KeyFile           string            `toml:"key_file"`           // KeyFile is the credentials path used for signing
	TempDir           string            `toml:"temp_dir"`           // TempDir receives downloaded files
	LogLevel          string            `toml:"log_level"`          // LogLevel is debug, info, warn or error
	DefaultCollection string            `toml:"default_collection"` // DefaultCollection is used when a command names none
	UsePillar         string            `toml:"use_pillar"`         // UsePillar is the designated pillar for reads
	Timeouts          Timeouts          `toml:"timeouts"`           // Timeouts bounds blocking calls
	Policy            Policy            `toml:"policy"`             // Policy holds failure tolerances
	Exchange          Exchange          `toml:"exchange"`           // Exchange is the staging area
	Collections       []CollectionEntry `toml:"collection"`         // Collections are the configured collections
	Replicas          []ReplicaEntry    `toml:"replica"`            // Replicas are the configured replicas
	Pillars           []PillarEntry     `toml:"pillar"`             // Pillars are the configured pillars

	topology *topology.Topology // topology is built from the tables above
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	var cfg Config

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("decode %s:\n%w", path, err)
	}

	if err := cfg.Finish(); err != nil {
		return nil, fmt.Errorf("config %s:\n%w", path, err)
	}

	return &cfg, nil
}

// Parse decodes and validates configuration from TOML text.
func Parse(data string) (*Config, error) {
	var cfg Config

	if _, err := toml.Decode(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config:\n%w", err)
	}

	if err := cfg.Finish(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Finish applies defaults and builds the topology.
func (c *Config) Finish() error {
	c.applyDefaults()

	if c.Policy.StoreMaxPillarFailures < 0 || c.Policy.BatchMaxPillarFailures < 0 {
		return fmt.Errorf("%w: negative max pillar failures", ErrConfig)
	}

	if c.Policy.GetFileIDsMaxResults <= 0 {
		return fmt.Errorf("%w: get_file_ids_max_results must be positive", ErrConfig)
	}

	topo, err := c.buildTopology()
	if err != nil {
		return err
	}

	if c.DefaultCollection != "" {
		if _, err := topo.Collection(c.DefaultCollection); err != nil {
			return fmt.Errorf("default_collection:\n%w", err)
		}
	}

	c.topology = topo

	return nil
}

// Topology returns the validated topology.
func (c *Config) Topology() *topology.Topology {
	return c.topology
}

// Save writes the configuration as TOML.
func (c *Config) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s:\n%w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encode config:\n%w", err)
	}

	return f.Close()
}

// applyDefaults fills unset fields.
func (c *Config) applyDefaults() {
	if c.ComponentID == "" {
		c.ComponentID = DefaultComponentID()
	}

	if c.TempDir == "" {
		c.TempDir = os.TempDir()
	}

	if c.Timeouts.Identification.Duration == 0 {
		c.Timeouts.Identification.Duration = defaultIdentificationTimeout
	}

	if c.Timeouts.Operation.Duration == 0 {
		c.Timeouts.Operation.Duration = defaultOperationTimeout
	}

	if c.Policy.GetFileIDsMaxResults == 0 {
		c.Policy.GetFileIDsMaxResults = defaultPageSize
	}
}

// buildTopology converts the file tables into a validated topology.
func (c *Config) buildTopology() (*topology.Topology, error) {
	pillars := make([]topology.Pillar, 0, len(c.Pillars))

	for _, p := range c.Pillars {
		pub, err := hex.DecodeString(p.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: pillar %q public_key: %v", ErrConfig, p.ID, err)
		}

		ident, err := hex.DecodeString(p.Identity)
		if err != nil {
			return nil, fmt.Errorf("%w: pillar %q identity: %v", ErrConfig, p.ID, err)
		}

		pillars = append(pillars, topology.Pillar{ID: p.ID, Address: p.Address, PublicKey: pub, Identity: ident})
	}

	collections := make([]topology.Collection, 0, len(c.Collections))

	for _, col := range c.Collections {
		salt, err := hex.DecodeString(col.Checksum.Salt)
		if err != nil {
			return nil, fmt.Errorf("%w: collection %q salt: %v", ErrConfig, col.ID, err)
		}

		collections = append(collections, topology.Collection{
			ID:       col.ID,
			Pillars:  col.Pillars,
			Checksum: topology.ChecksumSpec{Algorithm: col.Checksum.Algorithm, Salt: salt},
		})
	}

	replicas := make([]topology.Replica, 0, len(c.Replicas))

	for _, r := range c.Replicas {
		rt, err := topology.ParseReplicaType(r.Type)
		if err != nil {
			return nil, err
		}

		replicas = append(replicas, topology.Replica{ID: r.ID, Type: rt, Pillars: r.Pillars})
	}

	return topology.New(collections, replicas, pillars)
}

// DefaultComponentID returns "bitvault-<host>-<uuid>".
func DefaultComponentID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}

	return "bitvault-" + host + "-" + uuid.NewString()
}
