package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edvin/convoy/internal/config"
	"github.com/edvin/convoy/internal/ctl"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch os.Args[1] {
	case "probe":
		fs := flag.NewFlagSet("probe", flag.ExitOnError)
		file := fs.String("f", "", "Desired-state YAML file (optional, narrows checks)")
		fs.Parse(os.Args[2:])

		cfg := loadConfig("convoyctl")
		if err := ctl.Probe(ctx, cfg, *file); err != nil {
			fatal(err)
		}

	case "plan", "provision":
		dryRun := os.Args[1] == "plan"
		fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
		file := fs.String("f", "", "Desired-state YAML file (required)")
		fs.Parse(os.Args[2:])

		if *file == "" {
			fmt.Fprintln(os.Stderr, "Error: -f flag is required")
			fs.Usage()
			os.Exit(1)
		}

		cfg := loadConfig("convoyctl")
		if err := ctl.Provision(ctx, cfg, *file, dryRun); err != nil {
			fatal(err)
		}

	case "rollout":
		fs := flag.NewFlagSet("rollout", flag.ExitOnError)
		file := fs.String("f", "", "Deployment manifest YAML file (required)")
		apiURL := fs.String("api", "http://localhost:8090", "convoyd base URL")
		timeout := fs.Duration("timeout", 10*time.Minute, "Time to wait for a terminal outcome")
		fs.Parse(os.Args[2:])

		if *file == "" {
			fmt.Fprintln(os.Stderr, "Error: -f flag is required")
			fs.Usage()
			os.Exit(1)
		}

		if err := ctl.Rollout(*apiURL, *file, *timeout); err != nil {
			fatal(err)
		}

	case "proxy":
		if len(os.Args) < 3 || os.Args[2] != "render" {
			fmt.Fprintln(os.Stderr, "Usage: convoyctl proxy render -f <desired-state.yaml>")
			os.Exit(1)
		}
		fs := flag.NewFlagSet("proxy render", flag.ExitOnError)
		file := fs.String("f", "", "Desired-state YAML file (required)")
		fs.Parse(os.Args[3:])

		if *file == "" {
			fmt.Fprintln(os.Stderr, "Error: -f flag is required")
			fs.Usage()
			os.Exit(1)
		}

		cfg, err := config.Load()
		if err != nil {
			fatal(err)
		}
		if err := ctl.RenderProxy(cfg, *file); err != nil {
			fatal(err)
		}

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func loadConfig(service string) *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fatal(err)
	}
	if err := cfg.Validate(service); err != nil {
		fatal(err)
	}
	return cfg
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: convoyctl <command> [flags]

Commands:
  probe                    Inspect the target host and print observed facts
  plan      -f <file>      Show the actions provisioning would take
  provision -f <file>      Converge the target host to the desired state
  rollout   -f <file>      Trigger a rollout via convoyd and await the outcome
  proxy render -f <file>   Print the nginx config for the desired state

Target host and credentials come from the environment (TARGET_HOST,
TARGET_SSH_ADDR, TARGET_SSH_USER, TARGET_SSH_KEY).`)
}
