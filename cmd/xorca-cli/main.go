// The xorca-cli binary inspects orchestration state: decode and mint
// subject tokens, and read snapshots straight from the configured store.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/xorca/xorca/internal/config"
	"github.com/xorca/xorca/pkg/semver"
	"github.com/xorca/xorca/pkg/store"
	"github.com/xorca/xorca/pkg/store/boltstore"
	"github.com/xorca/xorca/pkg/store/pgstore"
	"github.com/xorca/xorca/pkg/store/redisstore"
	"github.com/xorca/xorca/pkg/subject"
)

const version = "1.0.0"

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "decode":
		cmdDecode()
	case "encode":
		cmdEncode()
	case "snapshot":
		cmdSnapshot()
	case "version":
		fmt.Printf("xorca-cli v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`xorca CLI v` + version + `

Usage: xorca-cli <command> [flags]

Commands:
  decode <subject>      Decode a subject token into its parts
  encode                Mint a subject token from parts
  snapshot <subject>    Read the orchestration snapshot from the store
  version               Print version
  help                  Show this help

Environment:
  XORCA_CONFIG          Path to the yaml configuration (snapshot command)

Examples:
  xorca-cli decode eyJwcm9jZXNzSWQiOiJQMSIsIm5hbWUiOiJzdW1tYXJ5IiwidmVyc2lvbiI6IjEuMC4wIn0=
  xorca-cli encode --process-id P1 --name summary --version 1.0.0
  xorca-cli snapshot <subject> --config xorca.yaml`)
}

// ----------------------------------------------------------------
// decode command
// ----------------------------------------------------------------

func cmdDecode() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: xorca-cli decode <subject>")
		os.Exit(1)
	}

	subj, err := subject.Parse(os.Args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Decode failed: %v\n", err)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(subj, "", "  ")
	fmt.Println(string(out))
}

// ----------------------------------------------------------------
// encode command
// ----------------------------------------------------------------

func cmdEncode() {
	var processID, name, versionStr string

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--process-id", "-p":
			i++
			if i < len(args) {
				processID = args[i]
			}
		case "--name", "-n":
			i++
			if i < len(args) {
				name = args[i]
			}
		case "--version", "-v":
			i++
			if i < len(args) {
				versionStr = args[i]
			}
		}
	}

	if processID == "" || name == "" || versionStr == "" {
		fmt.Fprintln(os.Stderr, "Usage: xorca-cli encode --process-id <id> --name <orchestrator> --version <semver>")
		os.Exit(1)
	}

	ver, err := semver.Parse(versionStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid version: %v\n", err)
		os.Exit(1)
	}
	subj, err := subject.New(processID, name, ver)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Encode failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(subj.String())
}

// ----------------------------------------------------------------
// snapshot command
// ----------------------------------------------------------------

func cmdSnapshot() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: xorca-cli snapshot <subject> [--config <path>]")
		os.Exit(1)
	}
	token := os.Args[2]

	configPath := os.Getenv("XORCA_CONFIG")
	args := os.Args[3:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config", "-c":
			i++
			if i < len(args) {
				configPath = args[i]
			}
		}
	}

	subj, err := subject.Parse(token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid subject: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Store init failed: %v\n", err)
		os.Exit(1)
	}
	defer closeStore()

	blob, err := st.Read(ctx, subj.StoreKey())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Read failed: %v\n", err)
		os.Exit(1)
	}
	if blob == nil {
		fmt.Fprintf(os.Stderr, "No snapshot for %s/%s@%s\n", subj.Name, subj.ProcessID, subj.Version)
		os.Exit(1)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, blob, "", "  "); err != nil {
		// Corrupt or non-JSON; dump raw.
		os.Stdout.Write(blob)
		fmt.Println()
		return
	}
	fmt.Println(pretty.String())
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	noop := func() {}

	switch cfg.Store.Backend {
	case "redis":
		prefix := cfg.Store.Redis.Prefix
		if prefix != "" && !strings.HasSuffix(prefix, ":") {
			prefix += ":"
		}
		rs, err := redisstore.Open(redisstore.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.RedisPassword(),
			DB:       cfg.Store.Redis.DB,
			Prefix:   prefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { rs.Close() }, nil

	case "bolt":
		bs, err := boltstore.Open(boltstore.Options{Path: cfg.Store.Bolt.Path})
		if err != nil {
			return nil, nil, err
		}
		return bs, func() { bs.Close() }, nil

	case "postgres":
		ps, err := pgstore.Open(cfg.PostgresDSN())
		if err != nil {
			return nil, nil, err
		}
		if err := ps.EnsureSchema(ctx); err != nil {
			ps.Close()
			return nil, nil, err
		}
		return ps, func() { ps.Close() }, nil
	}
	// A memory store is empty in a fresh process; still valid for decode
	// round-trips in scripts.
	return store.NewMemoryStore(), noop, nil
}
