// Package config loads process-wide configuration once into an
// explicit struct. The core never reads ambient state; the daemon
// passes this struct to the server and resolver constructors.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Config is the daemon's process configuration.
type Config struct {
	// Addr is the listen address, e.g. ":8264".
	Addr string

	// Tokens are the accepted bearer tokens. An empty list disables
	// authentication, intended only for local development.
	Tokens []string

	// Manifests are the project manifest files to load into one graph.
	Manifests []string

	// ScriptsDir is where Lua hook scripts are discovered.
	ScriptsDir string

	// StorePath is the JSON file store location, used when StoreDSN is
	// empty.
	StorePath string

	// StoreDSN selects the Postgres store when set.
	StoreDSN string

	// Verbose enables debug logging.
	Verbose bool
}

// Load parses flags and environment into a Config. A .env file in the
// working directory is honored when present. Environment variables
// override flag defaults; explicit flags win.
func Load(args []string) (*Config, error) {
	_ = godotenv.Load()

	fs := flag.NewFlagSet("driftd", flag.ContinueOnError)
	addr := fs.String("addr", envOr("DRIFTD_ADDR", ":8264"), "listen address")
	scripts := fs.String("scripts", envOr("DRIFTD_SCRIPTS_DIR", ""), "Lua scripts directory")
	storePath := fs.String("store", envOr("DRIFTD_STORE_PATH", "driftd-records.json"), "record store file")
	storeDSN := fs.String("store-dsn", envOr("DRIFTD_STORE_PG_DSN", ""), "Postgres DSN (overrides -store)")
	tokens := fs.String("tokens", os.Getenv("DRIFTD_TOKENS"), "comma-separated bearer tokens")
	verbose := fs.Bool("verbose", false, "enable debug logging")

	var manifests manifestList
	fs.Var(&manifests, "manifest", "project manifest file (repeatable)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if len(manifests) == 0 {
		if env := strings.TrimSpace(os.Getenv("DRIFTD_MANIFESTS")); env != "" {
			for _, m := range strings.Split(env, ",") {
				if m = strings.TrimSpace(m); m != "" {
					manifests = append(manifests, m)
				}
			}
		}
	}

	cfg := &Config{
		Addr:       *addr,
		Manifests:  manifests,
		ScriptsDir: *scripts,
		StorePath:  *storePath,
		StoreDSN:   *storeDSN,
		Verbose:    *verbose,
	}
	for _, t := range strings.Split(*tokens, ",") {
		if t = strings.TrimSpace(t); t != "" {
			cfg.Tokens = append(cfg.Tokens, t)
		}
	}

	// Positional arguments are manifest files too, so
	// "driftd serve lab.yaml" works without flags.
	cfg.Manifests = append(cfg.Manifests, fs.Args()...)

	if len(cfg.Manifests) == 0 {
		return nil, fmt.Errorf("no project manifests configured")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

type manifestList []string

func (m *manifestList) String() string { return strings.Join(*m, ",") }

func (m *manifestList) Set(v string) error {
	*m = append(*m, v)
	return nil
}
