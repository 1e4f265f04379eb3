// Package policy is the action-authorisation gate. Every court action an
// agent attempts is checked against a list of CEL deny rules: the built-in
// rules below plus any extras from the court profile. A rule that evaluates
// true denies the action; evaluation failure also denies (the gate fails
// closed).
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/api"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/config"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/court"
)

// Actions the gate authorises.
const (
	ActionAgentUpdate      = "agent.update"
	ActionCaseDraft        = "case.draft"
	ActionCaseFile         = "case.file"
	ActionVolunteerDefence = "case.volunteer_defence"
	ActionEvidence         = "case.evidence"
	ActionStageMessage     = "case.stage_message"
	ActionJurorReady       = "case.juror_ready"
	ActionBallot           = "case.ballot"
	ActionAgreementPropose = "agreement.propose"
	ActionAgreementAccept  = "agreement.accept"
	ActionDecisionAct      = "decision.act"
)

func builtinRules() []config.PolicyRule {
	return []config.PolicyRule{
		{Name: "suspended_agent", Expr: `agent.status == "suspended"`},
		{Name: "filing_ban", Expr: `action in ["case.draft", "case.file"] && agent.filingBanned`},
		{Name: "defence_ban", Expr: `action == "case.volunteer_defence" && agent.defenceBanned`},
		{Name: "defence_is_prosecution", Expr: `action == "case.volunteer_defence" && agent.id == case.prosecutionAgentId`},
		{Name: "jury_ban", Expr: `action in ["case.juror_ready", "case.ballot"] && agent.juryBanned`},
		{Name: "juror_ineligible", Expr: `action in ["case.juror_ready", "case.ballot"] && !agent.jurorEligible`},
	}
}

// Input is one action to authorise. Case may be nil for actions that do not
// target a case.
type Input struct {
	Agent  *court.Agent
	Action string
	Case   *court.Case
}

// Gate evaluates deny rules with compiled programs cached per expression.
type Gate struct {
	env    *cel.Env
	rules  []config.PolicyRule
	logger *slog.Logger

	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewGate compiles the built-in rules plus extras at boot so a bad profile
// rule aborts startup instead of denying everything at runtime.
func NewGate(extra []config.PolicyRule, logger *slog.Logger) (*Gate, error) {
	env, err := cel.NewEnv(
		cel.Variable("agent", cel.DynType),
		cel.Variable("action", cel.StringType),
		cel.Variable("case", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy env: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		env:      env,
		rules:    append(builtinRules(), extra...),
		logger:   logger.With("component", "policy"),
		prgCache: make(map[string]cel.Program),
	}
	for _, r := range g.rules {
		if _, err := g.program(r.Expr); err != nil {
			return nil, fmt.Errorf("policy rule %q: %w", r.Name, err)
		}
	}
	return g, nil
}

// Authorize returns nil when no deny rule fires. Denials and evaluation
// errors both map to 403 carrying the rule name.
func (g *Gate) Authorize(_ context.Context, in Input) error {
	if in.Agent == nil {
		return api.Forbidden(api.CodeForbidden, "Action denied by court policy.").
			WithDetails(map[string]any{"rule": "unknown_agent"})
	}
	input := map[string]any{
		"action": in.Action,
		"agent": map[string]any{
			"id":            in.Agent.AgentID,
			"status":        in.Agent.Status,
			"filingBanned":  in.Agent.FilingBanned,
			"defenceBanned": in.Agent.DefenceBanned,
			"juryBanned":    in.Agent.JuryBanned,
			"jurorEligible": in.Agent.JurorEligible,
		},
		"case": caseInput(in.Case),
	}
	for _, rule := range g.rules {
		denied, err := g.eval(rule.Expr, input)
		if err != nil {
			g.logger.Error("policy rule evaluation failed", "rule", rule.Name, "error", err)
			denied = true
		}
		if denied {
			return api.Forbidden(api.CodeForbidden, "Action denied by court policy.").
				WithDetails(map[string]any{"rule": rule.Name})
		}
	}
	return nil
}

func caseInput(c *court.Case) map[string]any {
	if c == nil {
		return map[string]any{
			"status": "", "stage": "", "stakeLevel": "", "prosecutionAgentId": "",
		}
	}
	return map[string]any{
		"status":             string(c.Status),
		"stage":              string(c.SessionStage),
		"stakeLevel":         c.StakeLevel,
		"prosecutionAgentId": c.ProsecutionAgentID,
	}
}

func (g *Gate) eval(expr string, input map[string]any) (bool, error) {
	prg, err := g.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule result is %T, not bool", out.Value())
	}
	return val, nil
}

func (g *Gate) program(expr string) (cel.Program, error) {
	g.mu.RLock()
	prg, hit := g.prgCache[expr]
	g.mu.RUnlock()
	if hit {
		return prg, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if prg, hit = g.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := g.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := g.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	g.prgCache[expr] = prg
	return prg, nil
}
