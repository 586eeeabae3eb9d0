package dig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config collects the tunable heuristics of the analysis. The defaults match
// the benchmark suites the pass was originally tuned against; they are
// deliberately exposed here instead of being hard-coded.
type Config struct {
	// PlausibleSizes is the set of byte strides accepted by the literal
	// count*constant pattern. A multiplication by a constant outside this
	// set is not treated as an element-size hint.
	PlausibleSizes []int64 `yaml:"plausible_sizes"`

	// SuspiciousSizes lists literal allocation byte counts that are skipped
	// outright (e.g. fixed thread-stack sizes from a concurrency runtime).
	SuspiciousSizes []int64 `yaml:"suspicious_sizes"`

	// RuntimePrefixes excludes allocations inside runtime/threading support
	// functions, matched by prefix against the enclosing function's full name.
	RuntimePrefixes []string `yaml:"runtime_prefixes"`

	// Allocators maps callee names to allocation kinds. Only calls whose
	// static callee name appears here are treated as allocation sites, in
	// addition to the structurally recognised make/new forms.
	Allocators map[string]AllocKind `yaml:"allocators"`

	// MaxStride caps the index deltas considered by the usage-pattern
	// element-size analysis.
	MaxStride int64 `yaml:"max_stride"`

	// TraceBudget bounds every backward def-use traversal (base-pointer
	// resolution and index tracing). Exhausting the budget degrades to
	// "not found".
	TraceBudget int `yaml:"trace_budget"`
}

// DefaultConfig returns the configuration the original pass shipped with.
func DefaultConfig() Config {
	return Config{
		PlausibleSizes:  []int64{1, 2, 4, 8, 12, 16, 24, 32},
		SuspiciousSizes: []int64{65536},
		RuntimePrefixes: []string{"runtime.", "sync.", "__kmpc_", "GOMP_"},
		Allocators: map[string]AllocKind{
			"malloc":         AllocBytes,
			"calloc":         AllocZeroed,
			"realloc":        AllocRealloc,
			"_Cfunc_malloc":  AllocBytes,
			"_Cfunc_calloc":  AllocZeroed,
			"_Cfunc_realloc": AllocRealloc,
		},
		MaxStride:   32,
		TraceBudget: 32,
	}
}

// LoadConfig reads a YAML configuration file. Fields absent from the file
// keep their default values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaxStride < 1 {
		return fmt.Errorf("max_stride must be >= 1, got %d", c.MaxStride)
	}
	if c.TraceBudget < 1 {
		return fmt.Errorf("trace_budget must be >= 1, got %d", c.TraceBudget)
	}
	for _, s := range c.PlausibleSizes {
		if s < 1 {
			return fmt.Errorf("plausible size must be >= 1, got %d", s)
		}
	}
	return nil
}

func (c *Config) plausibleSize(n int64) bool {
	for _, s := range c.PlausibleSizes {
		if s == n {
			return true
		}
	}
	return false
}

func (c *Config) suspiciousSize(n int64) bool {
	for _, s := range c.SuspiciousSizes {
		if s == n {
			return true
		}
	}
	return false
}

var allocKindByName = func() map[string]AllocKind {
	m := make(map[string]AllocKind, len(allocKindNames))
	for k, name := range allocKindNames {
		m[name] = AllocKind(k)
	}
	return m
}()

// MarshalYAML renders the kind by name.
func (k AllocKind) MarshalYAML() (any, error) {
	if int(k) >= len(allocKindNames) {
		return nil, fmt.Errorf("unknown allocation kind %d", uint8(k))
	}
	return allocKindNames[k], nil
}

// UnmarshalYAML accepts the names produced by MarshalYAML.
func (k *AllocKind) UnmarshalYAML(node *yaml.Node) error {
	var name string
	if err := node.Decode(&name); err != nil {
		return err
	}
	kind, ok := allocKindByName[name]
	if !ok {
		return fmt.Errorf("unknown allocation kind %q", name)
	}
	*k = kind
	return nil
}
