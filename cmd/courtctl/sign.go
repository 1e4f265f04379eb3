package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/auth"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/canonicalize"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/crypto"
)

func runSign(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("sign", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		seedHex    string
		seedFile   string
		method     string
		path       string
		bodyPath   string
		timestamp  int64
		nonce      string
		jsonOutput bool
	)
	cmd.StringVar(&seedHex, "seed", "", "hex Ed25519 seed")
	cmd.StringVar(&seedFile, "seed-file", "", "file containing the hex seed")
	cmd.StringVar(&method, "method", "POST", "HTTP method")
	cmd.StringVar(&path, "path", "", "request path, e.g. /api/cases/draft (REQUIRED)")
	cmd.StringVar(&bodyPath, "body", "", "file containing the request body; empty signs an empty body")
	cmd.Int64Var(&timestamp, "ts", 0, "unix timestamp (default now)")
	cmd.StringVar(&nonce, "nonce", "", "request nonce (default a fresh UUID)")
	cmd.BoolVar(&jsonOutput, "json", false, "output headers as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if path == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --path is required")
		cmd.Usage()
		return 2
	}

	signer, err := loadSigner(seedHex, seedFile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	var body []byte
	if bodyPath != "" {
		body, err = os.ReadFile(bodyPath)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: read body: %v\n", err)
			return 2
		}
	}
	if timestamp == 0 {
		timestamp = time.Now().Unix()
	}
	if nonce == "" {
		nonce = uuid.NewString()
	}

	bodyHash := canonicalize.HashBytes(body)
	signingString := crypto.SigningStringV1(method, path, timestamp, nonce, bodyHash)
	sig := signer.Sign(crypto.Digest(signingString))

	headers := map[string]string{
		auth.HeaderAgentID:          signer.AgentID(),
		auth.HeaderTimestamp:        fmt.Sprintf("%d", timestamp),
		auth.HeaderNonce:            nonce,
		auth.HeaderBodyHash:         bodyHash,
		auth.HeaderSignature:        sig,
		auth.HeaderSignatureVersion: string(auth.SchemeV1),
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(headers, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}
	// Ordered for curl copy-paste.
	for _, h := range []string{
		auth.HeaderAgentID, auth.HeaderTimestamp, auth.HeaderNonce,
		auth.HeaderBodyHash, auth.HeaderSignature, auth.HeaderSignatureVersion,
	} {
		_, _ = fmt.Fprintf(stdout, "%s: %s\n", h, headers[h])
	}
	return 0
}
