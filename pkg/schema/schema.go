// Package schema validates inbound request bodies against embedded JSON
// Schemas (Draft 2020-12). All schemas compile once at boot; a request that
// fails validation is rejected with JSON-pointer details before any handler
// logic runs.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/api"
)

//go:embed schemas/*.json
var files embed.FS

// Schema names, one per mutating payload.
const (
	AgentRegister    = "agent_register"
	AgentUpdate      = "agent_update"
	CaseDraft        = "case_draft"
	EvidenceAdd      = "evidence_add"
	StageMessage     = "stage_message"
	BallotSubmit     = "ballot_submit"
	AgreementPropose = "agreement_propose"
	AgreementAccept  = "agreement_accept"
	DecisionDraft    = "decision_draft"
	DecisionSign     = "decision_sign"
	APIKeyCreate     = "api_key_create"
)

// Validator holds the compiled request schemas.
type Validator struct {
	compiled map[string]*jsonschema.Schema
}

// New compiles every embedded schema. A schema that fails to compile is a
// programming error and aborts boot.
func New() (*Validator, error) {
	entries, err := files.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("read embedded schemas: %w", err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".json")
		data, err := files.ReadFile("schemas/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		if err := c.AddResource(schemaURL(name), bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("load schema %s: %w", name, err)
		}
		names = append(names, name)
	}

	v := &Validator{compiled: make(map[string]*jsonschema.Schema, len(names))}
	for _, name := range names {
		sch, err := c.Compile(schemaURL(name))
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		v.compiled[name] = sch
	}
	return v, nil
}

func schemaURL(name string) string {
	return fmt.Sprintf("https://opencawt.schemas.local/%s.schema.json", name)
}

// Validate checks body against the named schema. Violations come back as a
// 400 with one {pointer, message} detail per failing location.
func (v *Validator) Validate(name string, body []byte) error {
	sch, ok := v.compiled[name]
	if !ok {
		return api.Internal(fmt.Errorf("unknown request schema %q", name))
	}

	var payload any
	if len(bytes.TrimSpace(body)) == 0 {
		payload = map[string]any{}
	} else if err := json.Unmarshal(body, &payload); err != nil {
		return api.Input(api.CodeInvalidRequest, "Request body must be valid JSON.")
	}

	if err := sch.Validate(payload); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return api.Input(api.CodeInvalidRequest, "Request body failed validation.").
				WithDetails(map[string]any{"violations": collectViolations(ve)})
		}
		return api.Input(api.CodeInvalidRequest, "Request body failed validation.")
	}
	return nil
}

// collectViolations flattens the cause tree to its leaves, which carry the
// most specific pointer for each failure.
func collectViolations(ve *jsonschema.ValidationError) []map[string]string {
	var out []map[string]string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			pointer := e.InstanceLocation
			if pointer == "" {
				pointer = "/"
			}
			out = append(out, map[string]string{
				"pointer": pointer,
				"message": e.Message,
			})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}
