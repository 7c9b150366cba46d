package kdag

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigVersion is written by Dump.
const ConfigVersion = "1"

// Settings are the flow-level arguments stored next to the stages.
type Settings struct {
	Optimize  OptimizeLevel `yaml:"optimize,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
	BatchSize int           `yaml:"batch_size,omitempty"`
	Prefetch  int           `yaml:"prefetch,omitempty"`
	TopK      int           `yaml:"top_k,omitempty"`
	Workspace string        `yaml:"workspace,omitempty"`
	JoinTTL   time.Duration `yaml:"join_ttl,omitempty"`
}

// Config is the declarative form of a topology.
type Config struct {
	Version string      `yaml:"version"`
	With    Settings    `yaml:"with,omitempty"`
	Stages  []StageSpec `yaml:"stages"`
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references. Bare $VAR is left alone.
func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// ParseYAML decodes a config document after expanding ${VAR} references.
func ParseYAML(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(expandEnv(data)))
	dec.KnownFields(true)

	var c Config
	if err := dec.Decode(&c); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%w: empty config", ErrInvalidTopology)
		}
		return nil, fmt.Errorf("decode topology: %w", err)
	}
	if c.Version != "" && c.Version != ConfigVersion {
		return nil, fmt.Errorf("%w: unsupported config version %q", ErrInvalidTopology, c.Version)
	}
	return &c, nil
}

// LoadYAML reads a config document from r.
func LoadYAML(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return ParseYAML(data)
}

// LoadFile reads a config document from path.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadYAML(f)
}

// Graph builds and validates the graph the config describes.
func (c *Config) Graph(opts ...BuildOption) (*Graph, error) {
	return FromSpecs(c.Stages, opts...)
}

// NewConfig captures g and s. Stages are written in declaration order with
// defaults and needs spelled out, so loading the result yields an equal graph.
func NewConfig(g *Graph, s Settings) *Config {
	c := &Config{Version: ConfigVersion, With: s}
	for _, spec := range g.Specs() {
		n := spec.normalized()
		n.Needs = slices.Clone(spec.Needs)
		c.Stages = append(c.Stages, n)
	}
	return c
}

// Marshal encodes the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Dump writes g and s to w.
func Dump(w io.Writer, g *Graph, s Settings) error {
	data, err := NewConfig(g, s).Marshal()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
