package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/insightvmi/insightd/internal/pathquery"
)

// cmdScript implements "script <file> [args...]": a minimal batch runner
// over path-expression queries, not a general scripting language (that is
// explicitly out of scope). Each non-empty, non-"#"-comment line is
// "<dump-index> <path-expression>"; args, if given, are substituted for
// "$1", "$2", ... placeholders in each line before it is parsed, so one
// script can be reused against different addresses or variable names.
func cmdScript(args []string) error {
	fs := flag.NewFlagSet("script", flag.ContinueOnError)
	cfg, err := parseConfigFlag(fs, args)
	if err != nil {
		return err
	}
	pos := fs.Args()
	if len(pos) < 1 {
		return fmt.Errorf("usage: script [-config path] <file> [args...]")
	}
	scriptPath, scriptArgs := pos[0], pos[1:]

	f, err := openFile(scriptPath)
	if err != nil {
		return err
	}
	defer f.Close()

	logger := newLogger(cfg.LogLevel)
	e, err := openSessionEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer e.Stop()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = substituteArgs(line, scriptArgs)

		fields := strings.SplitN(line, " ", 2)
		if len(fields) != 2 {
			fmt.Fprintf(os.Stderr, "line %d: expected \"<dump-index> <path-expression>\"\n", lineNo)
			continue
		}

		id, err := strconv.ParseInt(fields[0], 0, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "line %d: invalid dump index %q: %v\n", lineNo, fields[0], err)
			continue
		}
		d, ok := e.Dump(id)
		if !ok {
			fmt.Fprintf(os.Stderr, "line %d: no loaded dump with index %d\n", lineNo, id)
			continue
		}

		expr, err := pathquery.Parse(strings.TrimSpace(fields[1]))
		if err != nil {
			fmt.Fprintf(os.Stderr, "line %d: %v\n", lineNo, err)
			continue
		}
		in, err := expr.Eval(e.Factory(), d.VM)
		if err != nil {
			fmt.Fprintf(os.Stderr, "line %d: %v\n", lineNo, err)
			continue
		}
		if err := printInstance(in); err != nil {
			fmt.Fprintf(os.Stderr, "line %d: %v\n", lineNo, err)
		}
	}
	return scanner.Err()
}

// substituteArgs replaces "$1".."$9" placeholders in line with the
// corresponding element of args (1-indexed), left unchanged if no such
// argument was supplied.
func substituteArgs(line string, args []string) string {
	for i, a := range args {
		line = strings.ReplaceAll(line, fmt.Sprintf("$%d", i+1), a)
	}
	return line
}
