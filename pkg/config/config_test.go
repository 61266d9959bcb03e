package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "restreamer.env")
	contents := "ingress_bind_address=127.0.0.1\n" +
		"ingress_port=6000\n" +
		"whep_listen_address=:9090\n" +
		"ice_check_interval=250ms\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", cfg.Ingress.BindAddress)
	require.Equal(t, 6000, cfg.Ingress.Port)
	require.Equal(t, ":9090", cfg.WHEP.ListenAddress)
	require.Equal(t, 250*time.Millisecond, cfg.ICE.CheckInterval)
	// Untouched fields keep their defaults.
	require.Equal(t, "0.0.0.0", cfg.WHEP.PeerBindAddress)
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "restreamer.env")
	require.NoError(t, os.WriteFile(path, []byte("ingress_port=not-a-number\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRejectsMissingFields(t *testing.T) {
	cfg := Default()
	cfg.Ingress.BindAddress = ""
	require.Error(t, cfg.Validate())
}
