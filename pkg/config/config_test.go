package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("DATABASE_PATH", "")
	t.Setenv("COURT_PROFILE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, "data/court.db", cfg.DatabasePath)
	assert.Equal(t, cfg.DatabasePath, cfg.OCPDatabasePath, "OCP store defaults to the court file")
	assert.Equal(t, ModeStub, cfg.DrandMode)
	assert.Equal(t, ModeStub, cfg.MintWorkerMode)
	assert.Equal(t, 11, cfg.Profile.Jury.PanelSize)
	assert.Equal(t, 300, cfg.Profile.Gateway.TimestampWindowSeconds)
	assert.Len(t, cfg.Profile.Principles, 12)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("MINT_WORKER_MODE", "http")
	t.Setenv("AGREEMENT_FEE_LAMPORTS", "5000")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("COURT_PROFILE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Addr())
	assert.Equal(t, ModeHTTP, cfg.MintWorkerMode)
	assert.Equal(t, uint64(5000), cfg.AgreementFeeLamports)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestLoadRejectsBadFee(t *testing.T) {
	t.Setenv("AGREEMENT_FEE_LAMPORTS", "not-a-number")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadProfileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile_test.yaml")
	body := `
name: integration
jury:
  panel_size: 3
  readiness_window_seconds: 60
  max_readiness_windows: 2
  replacement_cap_per_seat: 1
  weekly_service_limit: 5
session:
  tick_seconds: 1
  pre_session_delay_seconds: 5
  defence_assignment_cutoff_seconds: 60
stages:
  opening_seconds: 30
  evidence_seconds: 30
  closing_seconds: 30
  summing_up_seconds: 30
  voting_seconds: 30
  voting_hard_cap_seconds: 60
policy_rules:
  - name: no-low-stakes-judge-mode
    expr: 'action == "file_case" && case.stakeLevel == "low" && case.mode == "judge"'
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	profile, err := LoadProfile(path)
	require.NoError(t, err)

	assert.Equal(t, "integration", profile.Name)
	assert.Equal(t, 3, profile.Jury.PanelSize)
	assert.Equal(t, 1, profile.Session.TickSeconds)
	// Untouched sections keep defaults.
	assert.Equal(t, 10, profile.Gateway.FailedAuthLimit)
	assert.Len(t, profile.Principles, 12)
	require.Len(t, profile.PolicyRules, 1)
	assert.Equal(t, "no-low-stakes-judge-mode", profile.PolicyRules[0].Name)

	assert.True(t, profile.ValidPrinciple("P7"))
	assert.False(t, profile.ValidPrinciple("P13"))
}

func TestLoadProfileValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("jury:\n  panel_size: 0\n"), 0o600))

	_, err := LoadProfile(path)
	assert.ErrorContains(t, err, "panel_size")
}
