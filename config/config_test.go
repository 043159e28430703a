package config

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	require.NoError(t, err)
	require.NotEmpty(t, firstCfg.PeerID)
	assert.Equal(t, PortModeAutomatic, firstCfg.PortMode)
	assert.Equal(t, DefaultChunkSize, firstCfg.ChunkSize)
	assert.Equal(t, filepath.Join(tempDir, "shared"), firstCfg.ShareDir)
	assert.Equal(t, filepath.Join(tempDir, "downloads"), firstCfg.DownloadDir)
	assert.Equal(t, filepath.Join(tempDir, "config.json"), firstPath)

	controlPort, filePort := firstCfg.ListenPorts()
	assert.Zero(t, controlPort)
	assert.Zero(t, filePort)

	secondCfg, secondPath, err := LoadOrCreate()
	require.NoError(t, err)
	assert.Equal(t, firstPath, secondPath)
	assert.Equal(t, firstCfg.PeerID, secondCfg.PeerID)
	assert.Equal(t, firstCfg.DisplayName, secondCfg.DisplayName)
}

func TestLoadOrCreateNormalizesLegacyPortsToFixedMode(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)
	require.NoError(t, EnsureDataDirectories(tempDir))

	legacy := &NodeConfig{
		PeerID:      "legacy-peer",
		DisplayName: "Legacy",
		ControlPort: 7100,
	}
	require.NoError(t, Save(filepath.Join(tempDir, "config.json"), legacy))

	cfg, _, err := LoadOrCreate()
	require.NoError(t, err)
	assert.Equal(t, PortModeFixed, cfg.PortMode)
	assert.Equal(t, 7100, cfg.ControlPort)
	assert.Equal(t, DefaultFilePort, cfg.FilePort)
	assert.Equal(t, "legacy-peer", cfg.PeerID)
	assert.Equal(t, DefaultDiscoveryTimeoutMillis, cfg.DiscoveryTimeoutMillis)

	controlPort, filePort := cfg.ListenPorts()
	assert.Equal(t, 7100, controlPort)
	assert.Equal(t, DefaultFilePort, filePort)

	reloaded, err := Load(filepath.Join(tempDir, "config.json"))
	require.NoError(t, err)
	assert.Equal(t, PortModeFixed, reloaded.PortMode)
}

func TestParsedLogLevelFallsBackToInfo(t *testing.T) {
	cfg := &NodeConfig{LogLevel: "debug"}
	assert.Equal(t, logrus.DebugLevel, cfg.ParsedLogLevel())

	cfg.LogLevel = "chatty"
	assert.Equal(t, logrus.InfoLevel, cfg.ParsedLogLevel())
}

func TestValidate(t *testing.T) {
	valid := func() *NodeConfig {
		return &NodeConfig{
			PeerID:      "peer",
			PortMode:    PortModeFixed,
			ControlPort: DefaultControlPort,
			FilePort:    DefaultFilePort,
			ChunkSize:   DefaultChunkSize,
			DownloadDir: "/tmp/downloads",
		}
	}
	require.NoError(t, valid().Validate())

	cases := []struct {
		name   string
		mutate func(*NodeConfig)
	}{
		{name: "missing peer id", mutate: func(c *NodeConfig) { c.PeerID = " " }},
		{name: "peer id with separator", mutate: func(c *NodeConfig) { c.PeerID = "a|b" }},
		{name: "port out of range", mutate: func(c *NodeConfig) { c.FilePort = 70000 }},
		{name: "same ports", mutate: func(c *NodeConfig) { c.FilePort = c.ControlPort }},
		{name: "zero chunk size", mutate: func(c *NodeConfig) { c.ChunkSize = 0 }},
		{name: "huge chunk size", mutate: func(c *NodeConfig) { c.ChunkSize = MaxChunkSize + 1 }},
		{name: "no download dir", mutate: func(c *NodeConfig) { c.DownloadDir = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	automatic := valid()
	automatic.PortMode = PortModeAutomatic
	automatic.ControlPort, automatic.FilePort = 0, 0
	assert.NoError(t, automatic.Validate())
}

func TestSaveLeavesNoTemporaryFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, Save(path, &NodeConfig{PeerID: "p", DisplayName: "Node"}))
	assert.NoFileExists(t, path+".tmp")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Node", loaded.DisplayName)
}
