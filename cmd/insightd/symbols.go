package main

import (
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/insightvmi/insightd/pkg/symbols"
	"github.com/insightvmi/insightd/pkg/symbols/dwarfsource"
)

// cmdSymbols implements "symbols parse|load|store".
func cmdSymbols(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: symbols parse|load|store ...")
	}
	verb, rest := args[0], args[1:]
	switch verb {
	case "parse":
		return cmdSymbolsParse(rest)
	case "load":
		return cmdSymbolsLoad(rest)
	case "store":
		return cmdSymbolsStore(rest)
	default:
		return fmt.Errorf("symbols: unknown subcommand %q", verb)
	}
}

// cmdSymbolsParse builds a SymbolFactory from an ELF object file's DWARF
// debug info (the idiomatic Go stand-in for "parse <kernel-src-dir>": the
// C source-usage oracle that scanned raw source trees is an out-of-scope
// opaque producer, so this adapter reads an already-compiled vmlinux/.ko
// with debug info instead) and caches it for subsequent commands.
func cmdSymbolsParse(args []string) error {
	fs := flag.NewFlagSet("symbols parse", flag.ContinueOnError)
	cfg, err := parseConfigFlag(fs, args)
	if err != nil {
		return err
	}
	pos := fs.Args()
	if len(pos) != 1 {
		return fmt.Errorf("usage: symbols parse [-config path] <debug-elf-path>")
	}

	src, err := dwarfsource.Open(pos[0])
	if err != nil {
		return fmt.Errorf("open %q: %w", pos[0], err)
	}
	defer src.Close()

	factory := symbols.New()
	if err := src.Load(factory); err != nil {
		return fmt.Errorf("load DWARF from %q: %w", pos[0], err)
	}
	if err := factory.Finalize(); err != nil {
		return fmt.Errorf("finalize symbol factory: %w", err)
	}

	if err := saveFactory(cfg, factory); err != nil {
		return err
	}
	fmt.Printf("parsed %d types, %d variables from %s\n", factory.TypeCount(), factory.VariableCount(), pos[0])
	return nil
}

// cmdSymbolsLoad reads an already-persisted binary symbol file (produced
// by "symbols store" or by a session-external tool using pkg/wireformat's
// container directly) and makes it the current cached factory.
func cmdSymbolsLoad(args []string) error {
	fs := flag.NewFlagSet("symbols load", flag.ContinueOnError)
	cfg, err := parseConfigFlag(fs, args)
	if err != nil {
		return err
	}
	pos := fs.Args()
	if len(pos) != 1 {
		return fmt.Errorf("usage: symbols load [-config path] <file>")
	}

	f, err := openFactoryFile(pos[0])
	if err != nil {
		return err
	}
	if err := saveFactory(cfg, f); err != nil {
		return err
	}
	fmt.Printf("loaded %d types, %d variables from %s\n", f.TypeCount(), f.VariableCount(), pos[0])
	return nil
}

// cmdSymbolsStore persists the current cached factory to an
// externally-named file.
func cmdSymbolsStore(args []string) error {
	fs := flag.NewFlagSet("symbols store", flag.ContinueOnError)
	cfg, err := parseConfigFlag(fs, args)
	if err != nil {
		return err
	}
	pos := fs.Args()
	if len(pos) != 1 {
		return fmt.Errorf("usage: symbols store [-config path] <file>")
	}

	factory, err := loadFactory(cfg)
	if err != nil {
		return err
	}

	out, err := createFile(pos[0])
	if err != nil {
		return err
	}
	defer out.Close()
	if err := factory.Persist(out); err != nil {
		return fmt.Errorf("persist %q: %w", pos[0], err)
	}
	fmt.Printf("stored %d types, %d variables to %s\n", factory.TypeCount(), factory.VariableCount(), pos[0])
	return nil
}

// cmdList implements "list types [filter]" and "list variables [filter]".
func cmdList(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: list types|variables [filter]")
	}
	verb, rest := args[0], args[1:]

	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	cfg, err := parseConfigFlag(fs, rest)
	if err != nil {
		return err
	}
	factory, err := loadFactory(cfg)
	if err != nil {
		return err
	}
	var filter string
	if pos := fs.Args(); len(pos) > 0 {
		filter = pos[0]
	}

	switch verb {
	case "types":
		for _, bt := range factory.Types() {
			if filter != "" && !strings.Contains(strings.ToLower(bt.Name), strings.ToLower(filter)) {
				continue
			}
			fmt.Printf("%6d  %-10s  %-40s  %d bytes\n", bt.ID, bt.RealType, displayName(bt.Name), bt.Size)
		}
	case "variables":
		for _, v := range factory.Variables() {
			if filter != "" && !strings.Contains(strings.ToLower(v.Name), strings.ToLower(filter)) {
				continue
			}
			fmt.Printf("%6d  %-30s  %#016x  type=%d\n", v.ID, v.Name, v.Address, v.TypeID)
		}
	default:
		return fmt.Errorf("list: unknown subcommand %q", verb)
	}
	return nil
}

// cmdShow implements "show <type-name|type-id|var-name>".
func cmdShow(args []string) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	cfg, err := parseConfigFlag(fs, args)
	if err != nil {
		return err
	}
	pos := fs.Args()
	if len(pos) != 1 {
		return fmt.Errorf("usage: show [-config path] <type-name|type-id|var-name>")
	}
	name := pos[0]

	factory, err := loadFactory(cfg)
	if err != nil {
		return err
	}

	if id, err := strconv.ParseUint(name, 0, 32); err == nil {
		if bt, ok := factory.Type(symbols.TypeID(id)); ok {
			printType(bt)
			return nil
		}
	}
	if candidates := factory.LookupTypeByName(name); len(candidates) > 0 {
		for _, bt := range candidates {
			printType(bt)
		}
		return nil
	}
	if v, ok := factory.LookupVariableByName(name); ok {
		fmt.Printf("variable %s: address=%#016x type=%d\n", v.Name, v.Address, v.TypeID)
		if bt, ok := factory.Type(v.TypeID); ok {
			printType(bt)
		}
		return nil
	}
	return fmt.Errorf("no type or variable named %q", name)
}

func printType(bt *symbols.BaseType) {
	fmt.Printf("type %d: %s %s, %d bytes\n", bt.ID, bt.RealType, displayName(bt.Name), bt.Size)
	if bt.Structured != nil {
		for _, m := range bt.Structured.Members {
			fmt.Printf("    +%-4d %-30s type=%d\n", m.ByteOffset, m.Name, m.TypeID)
		}
	}
	for _, e := range bt.Enumerators {
		fmt.Printf("    %s = %d\n", e.Name, e.Value)
	}
	if bt.Alternatives != nil {
		for i, alt := range bt.Alternatives.Alternatives {
			fmt.Printf("    alternative<%d>: type=%d (%s) guard=%s\n", i+1, alt.ResultTypeID, alt.Description, alt.Guard)
		}
	}
}

func displayName(name string) string {
	if name == "" {
		return "<anonymous>"
	}
	return name
}

// openFactoryFile opens and parses a persisted symbol factory file.
func openFactoryFile(path string) (*symbols.SymbolFactory, error) {
	f, err := openFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	factory, err := symbols.Load(f)
	if err != nil {
		return nil, fmt.Errorf("parse symbol file %q: %w", path, err)
	}
	return factory, nil
}
