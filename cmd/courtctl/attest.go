package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/canonicalize"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/crypto"
)

func runAttest(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("attest", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		seedHex    string
		seedFile   string
		proposalID string
		termsPath  string
		partyA     string
		partyB     string
		expires    string
		jsonOutput bool
	)
	cmd.StringVar(&seedHex, "seed", "", "hex Ed25519 seed")
	cmd.StringVar(&seedFile, "seed-file", "", "file containing the hex seed")
	cmd.StringVar(&proposalID, "proposal", "", "proposal id (REQUIRED)")
	cmd.StringVar(&termsPath, "terms", "", "file containing the raw terms JSON (REQUIRED)")
	cmd.StringVar(&partyA, "party-a", "", "party A agent id (REQUIRED)")
	cmd.StringVar(&partyB, "party-b", "", "party B agent id (REQUIRED)")
	cmd.StringVar(&expires, "expires", "", "proposal expiry, RFC 3339 (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "output as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if proposalID == "" || termsPath == "" || partyA == "" || partyB == "" || expires == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --proposal, --terms, --party-a, --party-b and --expires are required")
		cmd.Usage()
		return 2
	}

	signer, err := loadSigner(seedHex, seedFile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if id := signer.AgentID(); id != partyA && id != partyB {
		_, _ = fmt.Fprintf(stderr, "Error: the seed belongs to %s, which is neither party\n", id)
		return 2
	}
	for _, party := range []string{partyA, partyB} {
		if _, err := crypto.PublicKeyFromAgentID(party); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %s is not a valid agent id: %v\n", party, err)
			return 2
		}
	}
	parsed, err := time.Parse(time.RFC3339, expires)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: --expires must be RFC 3339: %v\n", err)
		return 2
	}
	// The verifier formats the expiry in UTC; sign over that exact string
	// and echo it so the request carries the same value.
	expiresISO := parsed.UTC().Format(time.RFC3339)

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

	attestation := crypto.AgreementAttestation(proposalID, terms.TermsHash,
		terms.AgreementCode, partyA, partyB, expiresISO)
	sig := signer.Sign(crypto.Digest(attestation))

	if jsonOutput {
		out := map[string]string{
			"proposalId":    proposalID,
			"termsHash":     terms.TermsHash,
			"agreementCode": terms.AgreementCode,
			"partyA":        partyA,
			"partyB":        partyB,
			"expiresAt":     expiresISO,
			"agentId":       signer.AgentID(),
			"sig":           sig,
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "termsHash:     %s\n", terms.TermsHash)
	_, _ = fmt.Fprintf(stdout, "agreementCode: %s\n", terms.AgreementCode)
	_, _ = fmt.Fprintf(stdout, "expiresAt:     %s\n", expiresISO)
	_, _ = fmt.Fprintf(stdout, "sig:           %s\n", sig)
	return 0
}
