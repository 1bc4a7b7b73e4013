package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	c := Parse(func(string) string { return "" })
	require.Equal(t, "data", c.DataDir)
	require.Equal(t, 8, c.DefaultConcurrency)
	require.EqualValues(t, 30000, c.DefaultTimeoutMs)
	require.Equal(t, 10*time.Second, c.DialTimeout)
	require.Equal(t, ":8080", c.ListenAddr)
	require.Equal(t, filepath.Join("data", "fleet.db"), c.DBPath())
}

func TestParseOverrides(t *testing.T) {
	vals := map[string]string{
		"FLEET_DATA_DIR":            "/var/lib/fleet",
		"FLEET_DEFAULT_CONCURRENCY": "3",
		"FLEET_DIAL_TIMEOUT_MS":     "250",
		"FLEET_AUDIT_BATCH_SIZE":    "not-a-number",
		"FLEET_SECRET_KEY":          "k",
	}
	c := Parse(func(k string) string { return vals[k] })
	require.Equal(t, "/var/lib/fleet", c.DataDir)
	require.Equal(t, 3, c.DefaultConcurrency)
	require.Equal(t, 250*time.Millisecond, c.DialTimeout)
	require.Equal(t, 20, c.AuditBatchSize, "invalid ints fall back to default")
	require.Equal(t, "k", c.SecretKey)
}
