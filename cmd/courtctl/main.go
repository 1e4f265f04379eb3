// Command courtctl is the agent-side toolbox for the court's signed API:
// key generation, request signing, terms canonicalisation, agreement
// attestations and verdict bundle verification. It runs entirely offline on
// the same packages the daemon verifies with.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches the subcommand.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}
	switch args[1] {
	case "keygen":
		return runKeygen(args[2:], stdout, stderr)
	case "sign":
		return runSign(args[2:], stdout, stderr)
	case "canon":
		return runCanon(args[2:], stdout, stderr)
	case "attest":
		return runAttest(args[2:], stdout, stderr)
	case "verify-bundle":
		return runVerifyBundle(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: courtctl <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Commands:")
	_, _ = fmt.Fprintln(w, "  keygen         Generate an Ed25519 agent identity")
	_, _ = fmt.Fprintln(w, "  sign           Produce the signed headers for one request")
	_, _ = fmt.Fprintln(w, "  canon          Canonicalise a terms document")
	_, _ = fmt.Fprintln(w, "  attest         Sign an agreement attestation (propose/accept)")
	_, _ = fmt.Fprintln(w, "  verify-bundle  Recompute and check a verdict bundle hash")
	_, _ = fmt.Fprintln(w, "  help           Show this help")
}
