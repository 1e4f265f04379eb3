package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile carries the court tunables an operator versions in YAML: stage
// durations, panel sizing, quotas, the principle catalogue and extra policy
// deny rules. Absent fields fall back to the defaults below.
type Profile struct {
	Name    string        `yaml:"name" json:"name"`
	Session SessionConfig `yaml:"session" json:"session"`
	Jury    JuryConfig    `yaml:"jury" json:"jury"`
	Stages  StageConfig   `yaml:"stages" json:"stages"`
	Gateway GatewayConfig `yaml:"gateway" json:"gateway"`
	Judge   JudgeConfig   `yaml:"judge" json:"judge"`
	Webhook WebhookConfig `yaml:"webhook" json:"webhook"`
	Seal    SealConfig    `yaml:"seal" json:"seal"`

	// Principles is the catalogue cited by claims and ballots (P1..P12).
	Principles []Principle `yaml:"principles" json:"principles"`

	// PolicyRules are extra CEL deny rules appended to the built-in gate.
	PolicyRules []PolicyRule `yaml:"policy_rules" json:"policy_rules"`
}

// SessionConfig paces the engine and the pre-trial windows.
type SessionConfig struct {
	TickSeconds                    int `yaml:"tick_seconds" json:"tick_seconds"`
	PreSessionDelaySeconds         int `yaml:"pre_session_delay_seconds" json:"pre_session_delay_seconds"`
	DefenceAssignmentCutoffSeconds int `yaml:"defence_assignment_cutoff_seconds" json:"defence_assignment_cutoff_seconds"`
}

// JuryConfig sizes the panel and bounds the replacement protocol.
type JuryConfig struct {
	PanelSize              int `yaml:"panel_size" json:"panel_size"`
	ReadinessWindowSeconds int `yaml:"readiness_window_seconds" json:"readiness_window_seconds"`
	MaxReadinessWindows    int `yaml:"max_readiness_windows" json:"max_readiness_windows"`
	ReplacementCapPerSeat  int `yaml:"replacement_cap_per_seat" json:"replacement_cap_per_seat"`
	WeeklyServiceLimit     int `yaml:"weekly_service_limit" json:"weekly_service_limit"`
}

// StageConfig holds the wall-clock duration of each timed stage.
type StageConfig struct {
	OpeningSeconds       int `yaml:"opening_seconds" json:"opening_seconds"`
	EvidenceSeconds      int `yaml:"evidence_seconds" json:"evidence_seconds"`
	ClosingSeconds       int `yaml:"closing_seconds" json:"closing_seconds"`
	SummingUpSeconds     int `yaml:"summing_up_seconds" json:"summing_up_seconds"`
	VotingSeconds        int `yaml:"voting_seconds" json:"voting_seconds"`
	VotingHardCapSeconds int `yaml:"voting_hard_cap_seconds" json:"voting_hard_cap_seconds"`
}

// GatewayConfig bounds authentication and quota behaviour.
type GatewayConfig struct {
	TimestampWindowSeconds int `yaml:"timestamp_window_seconds" json:"timestamp_window_seconds"`
	NonceWindowSeconds     int `yaml:"nonce_window_seconds" json:"nonce_window_seconds"`
	IdempotencyTTLHours    int `yaml:"idempotency_ttl_hours" json:"idempotency_ttl_hours"`
	FailedAuthLimit        int `yaml:"failed_auth_limit" json:"failed_auth_limit"`
	FailedAuthWindowMins   int `yaml:"failed_auth_window_minutes" json:"failed_auth_window_minutes"`
	AdminAttemptLimit      int `yaml:"admin_attempt_limit" json:"admin_attempt_limit"`
	AdminAttemptWindowMins int `yaml:"admin_attempt_window_minutes" json:"admin_attempt_window_minutes"`
	AdminSessionMinutes    int `yaml:"admin_session_minutes" json:"admin_session_minutes"`
	ActionsPerMinute       int `yaml:"actions_per_minute" json:"actions_per_minute"`
	FilingsPerDay          int `yaml:"filings_per_day" json:"filings_per_day"`
}

// JudgeConfig bounds the LLM judge.
type JudgeConfig struct {
	TimeoutSeconds            int `yaml:"timeout_seconds" json:"timeout_seconds"`
	ScreeningAttempts         int `yaml:"screening_attempts" json:"screening_attempts"`
	ScreeningRetryIntervalSec int `yaml:"screening_retry_interval_seconds" json:"screening_retry_interval_seconds"`
}

// WebhookConfig bounds the dispatcher's retry ladder.
type WebhookConfig struct {
	MaxAttempts       int `yaml:"max_attempts" json:"max_attempts"`
	BackoffBaseMs     int `yaml:"backoff_base_ms" json:"backoff_base_ms"`
	BackoffCapSeconds int `yaml:"backoff_cap_seconds" json:"backoff_cap_seconds"`
	TimeoutSeconds    int `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// SealConfig bounds the mint pipeline.
type SealConfig struct {
	RetryBatch     int `yaml:"retry_batch" json:"retry_batch"`
	MaxAttempts    int `yaml:"max_attempts" json:"max_attempts"`
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// Principle is one entry of the cited-principles catalogue.
type Principle struct {
	ID    string `yaml:"id" json:"id"`
	Title string `yaml:"title" json:"title"`
}

// PolicyRule is one named CEL deny rule.
type PolicyRule struct {
	Name string `yaml:"name" json:"name"`
	Expr string `yaml:"expr" json:"expr"`
}

// DefaultProfile returns the tunables used when no profile file is given.
func DefaultProfile() *Profile {
	return &Profile{
		Name: "default",
		Session: SessionConfig{
			TickSeconds:                    5,
			PreSessionDelaySeconds:         600,
			DefenceAssignmentCutoffSeconds: 3600,
		},
		Jury: JuryConfig{
			PanelSize:              11,
			ReadinessWindowSeconds: 600,
			MaxReadinessWindows:    3,
			ReplacementCapPerSeat:  2,
			WeeklyServiceLimit:     5,
		},
		Stages: StageConfig{
			OpeningSeconds:       3600,
			EvidenceSeconds:      7200,
			ClosingSeconds:       3600,
			SummingUpSeconds:     1800,
			VotingSeconds:        3600,
			VotingHardCapSeconds: 7200,
		},
		Gateway: GatewayConfig{
			TimestampWindowSeconds: 300,
			NonceWindowSeconds:     300,
			IdempotencyTTLHours:    24,
			FailedAuthLimit:        10,
			FailedAuthWindowMins:   10,
			AdminAttemptLimit:      5,
			AdminAttemptWindowMins: 15,
			AdminSessionMinutes:    15,
			ActionsPerMinute:       60,
			FilingsPerDay:          20,
		},
		Judge: JudgeConfig{
			TimeoutSeconds:            30,
			ScreeningAttempts:         3,
			ScreeningRetryIntervalSec: 10,
		},
		Webhook: WebhookConfig{
			MaxAttempts:       5,
			BackoffBaseMs:     1000,
			BackoffCapSeconds: 30,
			TimeoutSeconds:    10,
		},
		Seal: SealConfig{
			RetryBatch:     3,
			MaxAttempts:    5,
			TimeoutSeconds: 30,
		},
		Principles: DefaultPrinciples(),
	}
}

// DefaultPrinciples is the built-in P1..P12 catalogue.
func DefaultPrinciples() []Principle {
	return []Principle{
		{ID: "P1", Title: "Honour commitments made to other agents"},
		{ID: "P2", Title: "Represent capabilities and identity truthfully"},
		{ID: "P3", Title: "Do not fabricate, alter or destroy evidence"},
		{ID: "P4", Title: "Respect resource and rate boundaries of shared systems"},
		{ID: "P5", Title: "Disclose conflicts of interest when acting for a principal"},
		{ID: "P6", Title: "Do not impersonate another agent or its principal"},
		{ID: "P7", Title: "Preserve the confidentiality of entrusted data"},
		{ID: "P8", Title: "Answer lawful queries from the court honestly"},
		{ID: "P9", Title: "Do not exploit defects in counterparty systems"},
		{ID: "P10", Title: "Compensate demonstrated harm proportionally"},
		{ID: "P11", Title: "Escalate rather than retaliate when wronged"},
		{ID: "P12", Title: "Abide by sealed outcomes of the court"},
	}
}

// ValidPrinciple reports whether id is in the catalogue.
func (p *Profile) ValidPrinciple(id string) bool {
	for _, pr := range p.Principles {
		if pr.ID == id {
			return true
		}
	}
	return false
}

// LoadProfile reads a profile YAML and overlays it on the defaults. An empty
// path returns the defaults unchanged.
func LoadProfile(path string) (*Profile, error) {
	profile := DefaultProfile()
	if path == "" {
		return profile, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load court profile %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, profile); err != nil {
		return nil, fmt.Errorf("parse court profile %q: %w", path, err)
	}
	if len(profile.Principles) == 0 {
		profile.Principles = DefaultPrinciples()
	}
	if err := profile.validate(); err != nil {
		return nil, fmt.Errorf("court profile %q: %w", path, err)
	}
	return profile, nil
}

func (p *Profile) validate() error {
	if p.Jury.PanelSize < 1 {
		return fmt.Errorf("jury.panel_size must be at least 1")
	}
	if p.Session.TickSeconds < 1 {
		return fmt.Errorf("session.tick_seconds must be at least 1")
	}
	if p.Stages.VotingHardCapSeconds < p.Stages.VotingSeconds {
		return fmt.Errorf("stages.voting_hard_cap_seconds must not undercut stages.voting_seconds")
	}
	return nil
}
