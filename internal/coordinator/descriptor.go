// Package coordinator implements C4: parsing the application descriptor,
// weaving sandboxes and ports together per its import/export graph, and
// driving the per-block open/execute/close pipeline against a C2
// TopLevelState (§4.3, §4.4, §6.1).
package coordinator

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Name grammar (§6.1, normative): simple-name is a hyphen-continued run of
// lower- or upper-case words; local-name chains simple-names with '.';
// global-name prefixes a local-name with "module-simple-name/".
var (
	simpleNameRE = regexp.MustCompile(`^([A-Za-z][a-z0-9]*|[A-Z][A-Z0-9]*)(-([a-z0-9]+|[A-Z0-9]+))*$`)
	localNameRE  = regexp.MustCompile(`^` + identPattern() + `(\.` + identPattern() + `)*$`)
	globalNameRE = regexp.MustCompile(`^` + identPattern() + `/` + identPattern() + `(\.` + identPattern() + `)*$`)
)

func identPattern() string {
	return `([A-Za-z][a-z0-9]*|[A-Z][A-Z0-9]*)(-([a-z0-9]+|[A-Z0-9]+))*`
}

func IsSimpleName(s string) bool { return simpleNameRE.MatchString(s) }
func IsLocalName(s string) bool  { return localNameRE.MatchString(s) }
func IsGlobalName(s string) bool { return globalNameRE.MatchString(s) }

// SplitGlobalName splits "module/local.name" into its module and local-name
// parts; the caller must have validated with IsGlobalName first.
func SplitGlobalName(s string) (module, local string) {
	i := strings.IndexByte(s, '/')
	return s[:i], s[i+1:]
}

// EngineKind selects the host's consensus engine (§6.1 host.engine).
type EngineKind string

const (
	EngineNull       EngineKind = "null"
	EngineSolo       EngineKind = "solo"
	EngineTendermint EngineKind = "tendermint"
)

// HostSetup is the descriptor's `host` block. Imports names the
// host-facing services of §4.3 step 4 and §6.2 — tx_sorter, init_genesis,
// graphql_handler, stateful, block_opener/closer — as import-slot ->
// global-name pairs, exactly like a module's own imports map.
type HostSetup struct {
	Genesis string                 `yaml:"genesis"`
	Engine  EngineKind             `yaml:"engine"`
	Params  map[string]interface{} `yaml:"params,omitempty"`
	Imports map[string]string      `yaml:"imports,omitempty"`
}

// ModuleSetup is one entry of the descriptor's `modules` map (§6.1).
type ModuleSetup struct {
	Hash         string            `yaml:"hash"`
	Sandboxer    string            `yaml:"sandboxer"`
	InitConfig   string            `yaml:"init_config"`
	Exports      map[string]string `yaml:"exports"`      // export-name -> constructor spec
	Imports      map[string]string `yaml:"imports"`      // import-slot -> global-name
	Transactions []string          `yaml:"transactions"` // simple-names this module owns
}

// Descriptor is the fully parsed application descriptor.
type Descriptor struct {
	Host             HostSetup              `yaml:"host"`
	DefaultSandboxer string                 `yaml:"default_sandboxer"`
	Modules          map[string]ModuleSetup `yaml:"modules"`
	Transactions     map[string]string      `yaml:"transactions"` // tx_type -> module name
}

// ParseDescriptor decodes and validates a YAML application descriptor
// against the §6.1 name grammar. Module export and import keys pass
// through expandNamespacedMap, which only strips a leading backslash.
func ParseDescriptor(raw []byte) (*Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("coordinator: parse descriptor: %w", err)
	}
	for name, setup := range d.Modules {
		if !IsSimpleName(name) {
			return nil, fmt.Errorf("coordinator: module name %q is not a simple-name", name)
		}
		d.Modules[name] = ModuleSetup{
			Hash:         setup.Hash,
			Sandboxer:    setup.Sandboxer,
			InitConfig:   setup.InitConfig,
			Exports:      expandNamespacedMap(setup.Exports),
			Imports:      expandNamespacedMap(setup.Imports),
			Transactions: setup.Transactions,
		}
		for slot, global := range d.Modules[name].Imports {
			if !IsGlobalName(global) {
				return nil, fmt.Errorf("coordinator: import %q -> %q is not a global-name", slot, global)
			}
		}
		for _, tx := range setup.Transactions {
			if !IsSimpleName(tx) {
				return nil, fmt.Errorf("coordinator: transaction name %q is not a simple-name", tx)
			}
		}
	}
	for txType, module := range d.Transactions {
		if !IsSimpleName(txType) {
			return nil, fmt.Errorf("coordinator: tx_type %q is not a simple-name", txType)
		}
		if _, ok := d.Modules[module]; !ok {
			return nil, fmt.Errorf("coordinator: transactions[%q] routes to unknown module %q", txType, module)
		}
	}
	return &d, nil
}

// expandNamespacedMap strips a leading backslash from every key of m and
// keeps each value unchanged, so `\foo` becomes `foo`. It does not qualify
// any key with a `foo.` prefix. A `\foo` key whose value is a YAML mapping
// never reaches it: yaml.v3 fails to decode a mapping into ModuleSetup's
// map[string]string, and ParseDescriptor returns that error.
func expandNamespacedMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.TrimPrefix(k, `\`)] = v
	}
	return out
}
