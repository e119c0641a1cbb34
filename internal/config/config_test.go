package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proposalflow/internal/domain"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 72*time.Hour, cfg.Timeouts.Validation.D())
	assert.Equal(t, 48*time.Hour, cfg.Timeouts.LeadReview.D())
	assert.Equal(t, 5*time.Minute, cfg.Locks.TTL.D())
	assert.Equal(t, time.Hour, cfg.ProcessingTimeout(domain.StatusAnalyzing))
	assert.Zero(t, cfg.ProcessingTimeout(domain.StatusValidating))
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("retry:\n  max: 5\ntimeouts:\n  lead_review: 24h\n"))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Retry.Max)
	assert.Equal(t, 24*time.Hour, cfg.Timeouts.LeadReview.D())
	assert.Equal(t, 72*time.Hour, cfg.Timeouts.Clarification.D())
	assert.Equal(t, time.Minute, cfg.Retry.Base.D())
}

func TestFromYAMLRejects(t *testing.T) {
	cases := map[string]string{
		"bad duration":      "locks:\n  ttl: soon\n",
		"unknown driver":    "store:\n  driver: mysql\n",
		"postgres no dsn":   "store:\n  driver: postgres\n",
		"redis no addr":     "coordination:\n  backend: redis\n",
		"cap below base":    "retry:\n  base: 10m\n  cap: 1m\n",
		"inactive timeout":  "timeouts:\n  processing:\n    sent: 1h\n",
		"http without peer": "notify:\n  mode: http\n",
		"short heartbeat":   "worker:\n  heartbeat_ttl: 1m\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	ws := t.TempDir()
	_, err := Load(ws)
	assert.ErrorContains(t, err, "pf config init")

	cfg, err := LoadOptional(ws)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)

	require.NoError(t, os.WriteFile(Path(ws), []byte(GenerateDefault()), 0o644))
	cfg, err = Load(ws)
	require.NoError(t, err)
	assert.Equal(t, "sql", cfg.Coordination.Backend)
}
