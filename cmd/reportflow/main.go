package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/markarapor/reportflow/internal/logging"
)

const usage = `usage: reportflow <command> [flags]

commands:
  serve       run the MCP tool server on stdio
  run         run a workflow file, template or stored workflow
  validate    validate a workflow file
  diagram     draw a workflow file, template, stored workflow or run
  templates   list built-in templates
  workspace   create a workspace or add credits
  apikey      store a workspace API key in the vault
  connect     register a provider connection and its refresh token
  install     write ~/.reportflow/settings.json
  version     print the version
`

// errFailedRun marks a command that completed but whose outcome should set a
// non-zero exit status.
var errFailedRun = errors.New("run did not complete")

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := dispatch(ctx, os.Args[1], os.Args[2:], os.Stdout)
	stop()

	switch {
	case err == nil:
	case errors.Is(err, errFailedRun):
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "version", "--version", "-v":
		printVersion(out)
		return nil
	case "install":
		return runInstall(args, out)
	case "templates":
		return runTemplates(out)
	case "help", "--help", "-h":
		fmt.Fprint(out, usage)
		return nil
	}

	cfg, err := loadConfig(reportflowDir())
	if err != nil {
		return err
	}
	// stdout carries tool traffic and command output; logs go to stderr.
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogJSON)

	if cmd == "validate" {
		return runValidate(args, out)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	switch cmd {
	case "serve":
		return runServe(ctx, a)
	case "run":
		return runWorkflow(ctx, a, args, out)
	case "diagram":
		return runDiagram(ctx, a, args, out)
	case "workspace":
		return runWorkspace(ctx, a, args, out)
	case "apikey":
		return runAPIKey(ctx, a, args, out)
	case "connect":
		return runConnect(ctx, a, args, out)
	default:
		return fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
	}
}
