package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// ManifestFile is the optional contract override at the workspace root.
const ManifestFile = "workspace.yaml"

// supportedContract is the range of contract versions this build reads.
const supportedContract = "^1.0.0"

// Field names of the workspace contract.
const (
	FieldInstructions = "instructions"
	FieldPersona      = "persona"
	FieldIdentity     = "identity"
	FieldTools        = "tools"
	FieldMemory       = "memory"
	FieldHeartbeat    = "heartbeat"
)

// Access is who may write a field.
type Access string

const (
	AccessReadOnly      Access = "read_only"
	AccessAgentWritable Access = "agent_writable"
)

// FieldSpec is one typed, versioned field of the contract.
type FieldSpec struct {
	Name     string
	File     string
	Version  *semver.Version
	Access   Access
	MaxBytes int
}

// Writable reports whether the agent may write the field.
func (f FieldSpec) Writable() bool { return f.Access == AccessAgentWritable }

// Contract is the full set of fields of a workspace.
type Contract struct {
	Version *semver.Version
	Fields  map[string]FieldSpec
}

// agentWritable is the only set of fields that may ever be agent-writable.
var agentWritable = map[string]bool{FieldMemory: true, FieldIdentity: true}

// DefaultContract returns the built-in contract.
func DefaultContract() Contract {
	v1 := semver.MustParse("1.0.0")
	field := func(name, file string, access Access, maxBytes int) FieldSpec {
		return FieldSpec{Name: name, File: file, Version: v1, Access: access, MaxBytes: maxBytes}
	}
	return Contract{
		Version: v1,
		Fields: map[string]FieldSpec{
			FieldInstructions: field(FieldInstructions, "AGENTS.md", AccessReadOnly, 32*1024),
			FieldPersona:      field(FieldPersona, "SOUL.md", AccessReadOnly, 16*1024),
			FieldIdentity:     field(FieldIdentity, "IDENTITY.md", AccessAgentWritable, 8*1024),
			FieldTools:        field(FieldTools, "TOOLS.md", AccessReadOnly, 16*1024),
			FieldMemory:       field(FieldMemory, "MEMORY.md", AccessAgentWritable, 64*1024),
			FieldHeartbeat:    field(FieldHeartbeat, "HEARTBEAT.md", AccessReadOnly, 8*1024),
		},
	}
}

// Names returns the field names, sorted.
func (c Contract) Names() []string {
	names := make([]string, 0, len(c.Fields))
	for name := range c.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type manifest struct {
	Version string                   `yaml:"version"`
	Fields  map[string]manifestField `yaml:"fields"`
}

type manifestField struct {
	File     string `yaml:"file"`
	Version  string `yaml:"version"`
	Access   Access `yaml:"access"`
	MaxBytes int    `yaml:"max_bytes"`
}

// LoadContract returns the default contract with workspace.yaml overrides
// from root applied. A missing manifest is not an error.
func LoadContract(root string) (Contract, error) {
	c := DefaultContract()

	data, err := os.ReadFile(filepath.Join(root, ManifestFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c, nil
		}
		return c, fmt.Errorf("read %s: %w", ManifestFile, err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return c, fmt.Errorf("%w: parse %s: %v", ErrInvalidManifest, ManifestFile, err)
	}
	if err := c.apply(m); err != nil {
		return DefaultContract(), err
	}
	return c, nil
}

func (c *Contract) apply(m manifest) error {
	var errs []error

	if m.Version != "" {
		v, err := semver.NewVersion(m.Version)
		if err != nil {
			return fmt.Errorf("%w: version %q: %v", ErrInvalidManifest, m.Version, err)
		}
		constraint, _ := semver.NewConstraint(supportedContract)
		if !constraint.Check(v) {
			return fmt.Errorf("%w: contract %s, supported %s", ErrIncompatibleVersion, v, supportedContract)
		}
		c.Version = v
	}

	for name, override := range m.Fields {
		spec, ok := c.Fields[name]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownField, name))
			continue
		}

		if override.File != "" {
			clean := filepath.Clean(override.File)
			if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
				errs = append(errs, fmt.Errorf("%w: %s: file %q escapes the workspace", ErrInvalidManifest, name, override.File))
				continue
			}
			spec.File = clean
		}
		if override.Version != "" {
			v, err := semver.NewVersion(override.Version)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s: version %q: %v", ErrInvalidManifest, name, override.Version, err))
				continue
			}
			if v.Major() != spec.Version.Major() {
				errs = append(errs, fmt.Errorf("%w: %s %s, supported major %d", ErrIncompatibleVersion, name, v, spec.Version.Major()))
				continue
			}
			spec.Version = v
		}
		switch override.Access {
		case "":
		case AccessReadOnly:
			spec.Access = AccessReadOnly
		case AccessAgentWritable:
			if !agentWritable[name] {
				errs = append(errs, fmt.Errorf("%w: %s cannot be agent_writable", ErrInvalidManifest, name))
				continue
			}
			spec.Access = AccessAgentWritable
		default:
			errs = append(errs, fmt.Errorf("%w: %s: unknown access %q", ErrInvalidManifest, name, override.Access))
			continue
		}
		if override.MaxBytes < 0 {
			errs = append(errs, fmt.Errorf("%w: %s: max_bytes must be positive", ErrInvalidManifest, name))
			continue
		}
		if override.MaxBytes > 0 {
			spec.MaxBytes = override.MaxBytes
		}

		c.Fields[name] = spec
	}

	return errors.Join(errs...)
}
