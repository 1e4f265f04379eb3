package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/crypto"
)

func runKeygen(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		outPath    string
		jsonOutput bool
	)
	cmd.StringVar(&outPath, "out", "", "write the seed to this file (0600) instead of stdout")
	cmd.BoolVar(&jsonOutput, "json", false, "output as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	signer, err := crypto.NewEd25519Signer()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: key generation failed: %v\n", err)
		return 1
	}
	seedHex := hex.EncodeToString(signer.Seed())

	if outPath != "" {
		if err := os.WriteFile(outPath, []byte(seedHex+"\n"), 0o600); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: write seed: %v\n", err)
			return 1
		}
	}

	if jsonOutput {
		out := map[string]string{"agentId": signer.AgentID()}
		if outPath != "" {
			out["seedFile"] = outPath
		} else {
			out["seed"] = seedHex
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	_, _ = fmt.Fprintf(stdout, "agentId: %s\n", signer.AgentID())
	if outPath != "" {
		_, _ = fmt.Fprintf(stdout, "seed written to %s\n", outPath)
	} else {
		_, _ = fmt.Fprintf(stdout, "seed:    %s\n", seedHex)
	}
	return 0
}

// loadSigner rebuilds a signer from --seed or --seed-file. Exactly one must
// be set; the file form keeps hex seeds out of shell history.
func loadSigner(seedHex, seedFile string) (*crypto.Ed25519Signer, error) {
	switch {
	case seedHex != "" && seedFile != "":
		return nil, fmt.Errorf("--seed and --seed-file are mutually exclusive")
	case seedHex == "" && seedFile == "":
		return nil, fmt.Errorf("--seed or --seed-file is required")
	case seedFile != "":
		raw, err := os.ReadFile(seedFile)
		if err != nil {
			return nil, fmt.Errorf("read seed file: %w", err)
		}
		seedHex = strings.TrimSpace(string(raw))
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("seed is not valid hex: %w", err)
	}
	return crypto.NewEd25519SignerFromSeed(seed)
}
