package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Ciaran88/OpenCawt-sub001/pkg/config"
	"github.com/Ciaran88/OpenCawt-sub001/pkg/store"
)

// runMigrate opens both databases, which applies pending migrations, then
// exits. Deployments run this before rolling a new daemon version.
func runMigrate(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: configuration invalid: %v\n", err)
		return 1
	}
	paths := []string{cfg.DatabasePath}
	if cfg.OCPDatabasePath != cfg.DatabasePath {
		paths = append(paths, cfg.OCPDatabasePath)
	}
	for _, path := range paths {
		st, err := store.Open(path)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: migrate %s: %v\n", path, err)
			return 1
		}
		_ = st.Close()
		_, _ = fmt.Fprintf(stdout, "migrated %s\n", path)
	}
	return 0
}

// runProfile prints the effective profile after the YAML overlay, so an
// operator can see exactly which tunables a deployment runs with.
func runProfile(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("profile", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "print as JSON instead of YAML")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: configuration invalid: %v\n", err)
		return 1
	}
	var out []byte
	if *jsonOutput {
		out, err = json.MarshalIndent(cfg.Profile, "", "  ")
	} else {
		out, err = yaml.Marshal(cfg.Profile)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: encode profile: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, string(out))
	return 0
}

// runHealth probes a running daemon's /healthz.
func runHealth(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	url := cmd.String("url", "", "base URL of the daemon (default http://localhost:$PORT)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	base := *url
	if base == "" {
		port := os.Getenv("PORT")
		if port == "" {
			port = "8080"
		}
		base = "http://localhost:" + port
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(base + "/healthz")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "OK")
	return 0
}
