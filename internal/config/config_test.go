package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		NodeName:       "cap01",
		PasswordSecret: "pwsecret",
		PcapDir:        "/data/pcap",
		FreeSpaceG:     "5%",
	}
}

func TestValidateRequiresPasswordSecret(t *testing.T) {
	cfg := validConfig()
	cfg.PasswordSecret = ""
	assert.Error(t, validate(cfg))

	// Regression mode runs without secrets.
	cfg.RegressionTests = true
	assert.NoError(t, validate(cfg))
}

func TestValidateServerSecretFallsBack(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, validate(cfg))
	assert.Equal(t, "pwsecret", cfg.ServerSecret)

	cfg = validConfig()
	cfg.ServerSecret = "dedicated"
	require.NoError(t, validate(cfg))
	assert.Equal(t, "dedicated", cfg.ServerSecret)
}

func TestValidateRequiresPcapDir(t *testing.T) {
	cfg := validConfig()
	cfg.PcapDir = ""
	assert.Error(t, validate(cfg))
}

func TestValidateTLSPair(t *testing.T) {
	cfg := validConfig()
	cfg.CertFile = "/etc/owlcap/cert.pem"
	assert.Error(t, validate(cfg), "cert without key")

	cfg.KeyFile = "/etc/owlcap/key.pem"
	assert.NoError(t, validate(cfg))
	assert.True(t, cfg.IsHTTPS())
	assert.Equal(t, "https", cfg.Scheme())
}

func TestValidateRemoteClusters(t *testing.T) {
	cfg := validConfig()
	cfg.RemoteClusters = map[string]RemoteClusterConfig{"backup": {}}
	assert.Error(t, validate(cfg))

	cfg.RemoteClusters["backup"] = RemoteClusterConfig{URL: "https://backup.example:8005"}
	assert.NoError(t, validate(cfg))
}

func TestPcapDirsSplitsSemicolons(t *testing.T) {
	cfg := &Config{PcapDir: "/data/pcap0; /data/pcap1 ;;"}
	assert.Equal(t, []string{"/data/pcap0", "/data/pcap1"}, cfg.PcapDirs())
}

func TestFreeSpaceBytes(t *testing.T) {
	total := uint64(1000 * 1024 * 1024 * 1024)

	cfg := &Config{FreeSpaceG: "5%"}
	assert.Equal(t, total/20, cfg.FreeSpaceBytes(total))

	cfg.FreeSpaceG = "100"
	assert.Equal(t, uint64(100*1024*1024*1024), cfg.FreeSpaceBytes(total))

	// Unset falls back to 5%.
	cfg.FreeSpaceG = ""
	assert.Equal(t, total/20, cfg.FreeSpaceBytes(total))
}

func TestParseFreeSpaceRejectsGarbage(t *testing.T) {
	_, err := parseFreeSpace("lots")
	assert.Error(t, err)
	_, err = parseFreeSpace("-3")
	assert.Error(t, err)
}

func TestSecretForNode(t *testing.T) {
	cfg := &Config{
		ServerSecret: "fleet",
		Nodes: map[string]NodeConfig{
			"cap02": {ViewURL: "https://cap02:8005", ServerSecret: "special"},
			"cap03": {ViewURL: "https://cap03:8005"},
		},
	}
	assert.Equal(t, "special", cfg.SecretForNode("cap02"))
	assert.Equal(t, "fleet", cfg.SecretForNode("cap03"))
	assert.Equal(t, "fleet", cfg.SecretForNode("cap99"))
}
