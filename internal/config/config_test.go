package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/require"
)

func writeBundle(t *testing.T, configJSON, quarkYAML string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(configJSON), 0o644))
	if quarkYAML != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "quark.yaml"), []byte(quarkYAML), 0o644))
	}
	return dir
}

func TestLoadBundleWithoutSidecarUsesDefaultQuark(t *testing.T) {
	dir := writeBundle(t, `{"ociVersion":"1.0.0"}`, "")

	b, err := LoadBundle(dir)
	require.NoError(t, err)
	require.Equal(t, DefaultQuark(), b.Quark)
}

func TestLoadBundleSidecarOverridesSwitches(t *testing.T) {
	dir := writeBundle(t, `{"ociVersion":"1.0.0"}`, `
enableRDMA: true
asyncAccept: true
kernelMemSize: 2GB
`)

	b, err := LoadBundle(dir)
	require.NoError(t, err)
	require.True(t, b.Quark.EnableRDMA)
	require.True(t, b.Quark.AsyncAccept)
	require.Equal(t, 2*datasize.GB, b.Quark.KernelMemSize)
	require.False(t, b.Quark.UringIO, "fields absent from the sidecar keep their default")
}

func TestLoadBundleMissingConfigJSONErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadBundle(dir)
	require.Error(t, err)
}

func TestNetworkNamespacePathFindsNetworkEntry(t *testing.T) {
	dir := writeBundle(t, `{
		"ociVersion": "1.0.0",
		"linux": {
			"namespaces": [
				{"type": "pid"},
				{"type": "network", "path": "/var/run/netns/quark0"}
			]
		}
	}`, "")

	b, err := LoadBundle(dir)
	require.NoError(t, err)
	require.Equal(t, "/var/run/netns/quark0", b.NetworkNamespacePath())
}

func TestNetworkNamespacePathEmptyWithoutLinuxSection(t *testing.T) {
	dir := writeBundle(t, `{"ociVersion":"1.0.0"}`, "")

	b, err := LoadBundle(dir)
	require.NoError(t, err)
	require.Equal(t, "", b.NetworkNamespacePath())
}
