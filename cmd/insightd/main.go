// Command insightd is the InSight VMI engine binary. In "serve" mode it
// runs as a long-lived daemon exposing the chi debug/query API and
// watching configured directories for newly arriving memory images,
// exactly as TripWire's agent binary ran its watchers and health
// endpoint. Every other subcommand is a one-shot CLI invocation that
// loads the same YAML configuration, opens the dump/session registry,
// performs one operation, and exits — state that must survive between
// invocations (which dumps are loaded, which symbol file is current)
// lives in the registry and the cached symbol-factory blob, not in this
// process's memory.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/insightvmi/insightd/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	fn, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "insightd: unknown command %q\n", cmd)
		usage()
		os.Exit(1)
	}

	if err := fn(args); err != nil {
		fmt.Fprintf(os.Stderr, "insightd: %v\n", err)
		os.Exit(1)
	}
}

// commands maps each CLI surface verb to its handler. Subcommands that
// take a nested verb (e.g. "memory load") parse their own flag.FlagSet
// from args and dispatch further internally.
var commands = map[string]func(args []string) error{
	"serve":   cmdServe,
	"list":    cmdList,
	"show":    cmdShow,
	"memory":  cmdMemory,
	"symbols": cmdSymbols,
	"script":  cmdScript,
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: insightd <command> [arguments]

commands:
  serve                                   run the daemon (API + dump watcher)
  list types|variables [filter]           list known types or global variables
  show <type-name|type-id|var-name>       show one type or variable in detail
  memory load <file>                      register and open a memory image
  memory unload <index|file>              close and deregister a memory image
  memory list                             list registered memory images
  memory specs                            print the active MemSpecs
  memory query [dump-index] <path-expr>   evaluate a path expression
  memory dump [dump-index] <type> <addr>  show a typed instance at an address
  memory revmap build <dump-index>        build the reverse memory map
  memory revmap visualize <dump-index>    print the flattened reverse map
  memory diff build <i> <j>               diff two loaded dumps
  memory verify <dump-index> <vmlinux>    verify kernel code-page integrity
  symbols parse <debug-elf>               build a symbol factory from DWARF
  symbols load <file>                     load a persisted symbol factory
  symbols store <file>                    persist the current symbol factory
  script <file> [args...]                 run a path-expression script`)
}

// parseConfigFlag registers the -config flag on fs, parses args, and
// loads the configuration file it names. Every subcommand, "serve"
// included, uses it.
func parseConfigFlag(fs *flag.FlagSet, args []string) (*config.Config, error) {
	configPath := fs.String("config", "/etc/insightd/config.yaml", "path to the insightd YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config.LoadConfig(*configPath)
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level, matching the
// teacher's cmd/agent/main.go.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// backgroundCtx returns a fresh, never-cancelled context for the one-shot
// CLI commands, which have no signal-driven shutdown path.
func backgroundCtx() context.Context {
	return context.Background()
}
