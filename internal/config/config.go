// Package config loads the process-global, read-mostly switches consumed by
// the socket fast path and the scheduler. It follows an OCI-bundle
// convention for the container-facing half (decoded with
// github.com/opencontainers/runtime-spec) layered with a sidecar YAML
// document (github.com/c2h5oh/datasize + gopkg.in/yaml.v3) for the switches
// that have no OCI equivalent.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/c2h5oh/datasize"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"gopkg.in/yaml.v3"
)

// Quark holds the process-global config switches named in spec.md §6.
// Changing them mid-run is not supported: once LoadBundle returns, every field is
// read-only for the lifetime of the process.
type Quark struct {
	EnableRDMA      bool             `yaml:"enableRDMA"`
	UringIO         bool             `yaml:"uringIO"`
	AsyncAccept     bool             `yaml:"asyncAccept"`
	DedicateUring   bool             `yaml:"dedicateUring"`
	KernelMemSize   datasize.ByteSize `yaml:"kernelMemSize"`
	SyncPrint       bool             `yaml:"syncPrint"`
	KernelPagetable bool             `yaml:"kernelPagetable"`
}

// DefaultQuark returns the switches a freshly booted sandbox uses absent any
// sidecar config: the buffered fast paths are off, memory is conservative.
func DefaultQuark() Quark {
	return Quark{
		EnableRDMA:      false,
		UringIO:         false,
		AsyncAccept:     false,
		DedicateUring:   false,
		KernelMemSize:   1 * datasize.GB,
		SyncPrint:       false,
		KernelPagetable: false,
	}
}

// Bundle is the decoded result of loading a container bundle directory: the
// OCI runtime spec plus the Quark sidecar switches.
type Bundle struct {
	Spec  *specs.Spec
	Quark Quark
}

// sidecarName is the sidecar document read alongside config.json for the
// switches that have no OCI runtime-spec equivalent.
const sidecarName = "quark.yaml"

// LoadBundle reads config.json (OCI runtime spec) and the quark.yaml sidecar
// (if present; absence means DefaultQuark) from dir.
func LoadBundle(dir string) (*Bundle, error) {
	specPath := filepath.Join(dir, "config.json")
	specBytes, err := os.ReadFile(specPath)
	if err != nil {
		return nil, fmt.Errorf("config: reading OCI spec %s: %w", specPath, err)
	}

	var spec specs.Spec
	// runtime-spec's Spec is a plain JSON-tagged struct; json is used
	// directly since specs-go carries no YAML tags.
	if err := decodeJSON(specBytes, &spec); err != nil {
		return nil, fmt.Errorf("config: decoding OCI spec: %w", err)
	}

	q := DefaultQuark()
	sidecarPath := filepath.Join(dir, sidecarName)
	if b, err := os.ReadFile(sidecarPath); err == nil {
		if err := yaml.Unmarshal(b, &q); err != nil {
			return nil, fmt.Errorf("config: decoding %s: %w", sidecarPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: reading %s: %w", sidecarPath, err)
	}

	return &Bundle{Spec: &spec, Quark: q}, nil
}

// NetworkNamespacePath returns the path of the bundle's OCI "network"
// namespace entry, or "" if the bundle declares none (meaning: run in the
// caller's current namespace).
func (b *Bundle) NetworkNamespacePath() string {
	if b.Spec.Linux == nil {
		return ""
	}
	for _, ns := range b.Spec.Linux.Namespaces {
		if ns.Type == specs.NetworkNamespace {
			return ns.Path
		}
	}
	return ""
}
