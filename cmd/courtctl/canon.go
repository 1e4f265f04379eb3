package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/canonicalize"
)

func runCanon(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("canon", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		termsPath  string
		jsonOutput bool
	)
	cmd.StringVar(&termsPath, "terms", "", "file containing the raw terms JSON (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "output as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if termsPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --terms is required")
		cmd.Usage()
		return 2
	}

	raw, err := os.ReadFile(termsPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: read terms: %v\n", err)
		return 2
	}
	terms, err := canonicalize.BuildCanonicalTerms(raw)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if jsonOutput {
		out := map[string]string{
			"termsHash":     terms.TermsHash,
			"agreementCode": terms.AgreementCode,
			"canonical":     string(terms.CanonicalJSON),
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "termsHash:     %s\n", terms.TermsHash)
	_, _ = fmt.Fprintf(stdout, "agreementCode: %s\n", terms.AgreementCode)
	_, _ = fmt.Fprintln(stdout, string(terms.CanonicalJSON))
	return 0
}
