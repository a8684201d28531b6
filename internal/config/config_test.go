package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidateFailsWithoutAdminListen(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jumperd.toml")
	body := `
yggdrasil_admin_listen = ["unix:///var/run/yggdrasil.sock"]
yggdrasil_protocols = ["tcp", "tls"]
stun_servers = ["stun.example.com:3478"]
stun_udp_retry_count = 7
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.StunUDPRetryCount)
	// Untouched default survives the overlay.
	assert.Equal(t, 4*time.Second, cfg.StunUDPResponseTimeout)
	assert.True(t, cfg.AllowIPv4)
	assert.Len(t, cfg.Protocols(), 2)
}

func TestValidateRejectsBadProtocol(t *testing.T) {
	cfg := Default()
	cfg.YggdrasilAdminListen = []string{"unix:///tmp/x.sock"}
	cfg.YggdrasilProtocols = []string{"sctp"}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNoAddressFamily(t *testing.T) {
	cfg := Default()
	cfg.YggdrasilAdminListen = []string{"unix:///tmp/x.sock"}
	cfg.AllowIPv4 = false
	cfg.AllowIPv6 = false
	assert.Error(t, cfg.Validate())
}
