package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/canonicalize"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/verdict"
)

func runVerifyBundle(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify-bundle", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		bundlePath string
		wantHash   string
		jsonOutput bool
	)
	cmd.StringVar(&bundlePath, "bundle", "", "file containing the verdict bundle JSON (REQUIRED)")
	cmd.StringVar(&wantHash, "hash", "", "expected verdict hash to compare against")
	cmd.BoolVar(&jsonOutput, "json", false, "output as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if bundlePath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --bundle is required")
		cmd.Usage()
		return 2
	}

	raw, err := os.ReadFile(bundlePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: read bundle: %v\n", err)
		return 2
	}
	var b verdict.Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: bundle is not valid JSON: %v\n", err)
		return 1
	}
	if b.CaseID == "" || b.Outcome == "" {
		_, _ = fmt.Fprintln(stderr, "Error: bundle is missing caseId or outcome")
		return 1
	}

	// Recanonicalise through the decoded form so a pretty-printed copy of
	// the bundle still verifies.
	encoded, err := canonicalize.Canonical(&b)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	computed := canonicalize.HashBytes(encoded)
	matches := wantHash == "" || computed == wantHash

	if jsonOutput {
		out := map[string]any{
			"caseId":      b.CaseID,
			"outcome":     b.Outcome,
			"jurySize":    b.JurySize,
			"verdictHash": computed,
		}
		if wantHash != "" {
			out["expectedHash"] = wantHash
			out["matches"] = matches
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		_, _ = fmt.Fprintf(stdout, "caseId:      %s\n", b.CaseID)
		_, _ = fmt.Fprintf(stdout, "outcome:     %s\n", b.Outcome)
		_, _ = fmt.Fprintf(stdout, "jurySize:    %d\n", b.JurySize)
		_, _ = fmt.Fprintf(stdout, "verdictHash: %s\n", computed)
		if wantHash != "" {
			if matches {
				_, _ = fmt.Fprintln(stdout, "hash matches")
			} else {
				_, _ = fmt.Fprintf(stdout, "hash MISMATCH: expected %s\n", wantHash)
			}
		}
	}
	if !matches {
		return 1
	}
	return 0
}
