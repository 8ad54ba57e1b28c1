package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-natd/internal/core/nat"
)

// TestNewConfig 默认配置有效
func TestNewConfig(t *testing.T) {
	cfg := NewConfig()
	require.NotNil(t, cfg)
	assert.NoError(t, cfg.Validate())
}

func TestDefaultNATConfig_MatchesService(t *testing.T) {
	svc, err := DefaultNATConfig().ToServiceConfig()
	require.NoError(t, err)

	want := nat.DefaultConfig()
	assert.Equal(t, want.EnableUPnP, svc.EnableUPnP)
	assert.Equal(t, want.STUNStaleness, svc.STUNStaleness)
	assert.Equal(t, want.DynDNSFrequency, svc.DynDNSFrequency)
	assert.Equal(t, want.ScanInterval, svc.ScanInterval)
	assert.Equal(t, want.ExcludeInterfaces, svc.ExcludeInterfaces)
	assert.Equal(t, want.ExternalIPSuccessInterval, svc.ExternalIPSuccessInterval)
	assert.Equal(t, want.ExternalIPFailureInterval, svc.ExternalIPFailureInterval)
}

func TestDuration_JSON(t *testing.T) {
	t.Run("String", func(t *testing.T) {
		var d Duration
		require.NoError(t, d.UnmarshalJSON([]byte(`"7m"`)))
		assert.Equal(t, 7*time.Minute, d.Duration())
	})

	t.Run("Nanoseconds", func(t *testing.T) {
		var d Duration
		require.NoError(t, d.UnmarshalJSON([]byte(`15000000000`)))
		assert.Equal(t, 15*time.Second, d.Duration())
	})

	t.Run("Invalid", func(t *testing.T) {
		var d Duration
		assert.Error(t, d.UnmarshalJSON([]byte(`"soon"`)))
		assert.Error(t, d.UnmarshalJSON([]byte(`true`)))
	})

	t.Run("Marshal", func(t *testing.T) {
		b, err := Duration(3 * time.Hour).MarshalJSON()
		require.NoError(t, err)
		assert.Equal(t, `"3h0m0s"`, string(b))
	})
}

func TestFromJSON_KeepsDefaults(t *testing.T) {
	cfg, err := FromJSON([]byte(`{
		"nat": {
			"enable_upnp": false,
			"scan_interval": "30s",
			"sections": {"udp": {"hole_external": "gw.example.org:2086"}}
		},
		"log": {"level": "debug"}
	}`))
	require.NoError(t, err)

	assert.False(t, cfg.NAT.EnableUPnP)
	assert.Equal(t, 30*time.Second, cfg.NAT.ScanInterval.Duration())
	assert.Equal(t, 3*time.Hour, cfg.NAT.STUNStaleness.Duration(), "unset fields keep defaults")
	assert.Equal(t, "debug", cfg.Log.Level)

	svc, err := cfg.NAT.ToServiceConfig()
	require.NoError(t, err)
	assert.Equal(t, "gw.example.org:2086", svc.Sections["udp"].HoleExternal)
}

func TestNATConfig_Validate(t *testing.T) {
	t.Run("BadHole", func(t *testing.T) {
		cfg := DefaultNATConfig().WithSection("udp", "gw.example.org")
		assert.ErrorIs(t, cfg.Validate(), nat.ErrInvalidConfig)
	})

	t.Run("UnknownMethod", func(t *testing.T) {
		cfg := DefaultNATConfig()
		cfg.ExtIPMethod = "carrier-pigeon"
		assert.ErrorIs(t, cfg.Validate(), nat.ErrInvalidConfig)
	})

	t.Run("RenewalNotBeforeExpiry", func(t *testing.T) {
		cfg := DefaultNATConfig()
		cfg.MappingRenewal = cfg.MappingDuration
		assert.Error(t, cfg.Validate())
	})

	t.Run("WithSectionCopies", func(t *testing.T) {
		base := DefaultNATConfig()
		next := base.WithSection("tcp", "AUTO")
		assert.Empty(t, base.Sections)
		assert.Equal(t, "AUTO", next.Sections["tcp"].HoleExternal)
	})
}

func TestMetricsConfig_Validate(t *testing.T) {
	cfg := DefaultMetricsConfig()
	assert.NoError(t, cfg.Validate())

	cfg.Enable = true
	cfg.Path = "metrics"
	assert.Error(t, cfg.Validate())

	cfg.Path = "/metrics"
	cfg.Listen = ""
	assert.Error(t, cfg.Validate())
}

func TestLogConfig_Validate(t *testing.T) {
	assert.NoError(t, LogConfig{Level: "warn", Format: LogFormatJSON}.Validate())
	assert.Error(t, LogConfig{Level: "loud"}.Validate())
	assert.Error(t, LogConfig{Level: "info", Format: "xml"}.Validate())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "natd.json")
	require.NoError(t, os.WriteFile(good, []byte(`{"metrics": {"enable": true, "listen": ":9464", "path": "/metrics"}}`), 0o600))
	cfg, err := LoadFile(good)
	require.NoError(t, err)
	assert.True(t, cfg.Metrics.Enable)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"log": {"level": "loud"}}`), 0o600))
	_, err = LoadFile(bad)
	assert.Error(t, err)

	_, err = LoadFile(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestConfig_ToJSONRoundTrip(t *testing.T) {
	cfg := NewConfig()
	cfg.NAT = cfg.NAT.WithSection("udp", "AUTO:2086")

	data, err := cfg.ToJSON()
	require.NoError(t, err)

	back, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}
