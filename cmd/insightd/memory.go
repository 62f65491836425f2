package main

import (
	"flag"
	"fmt"
	"strconv"

	"github.com/insightvmi/insightd/internal/engine"
	"github.com/insightvmi/insightd/internal/pathquery"
	"github.com/insightvmi/insightd/pkg/instance"
	"github.com/insightvmi/insightd/pkg/revmap"
	"github.com/insightvmi/insightd/pkg/symbols"
)

// cmdMemory implements every "memory ..." CLI verb.
func cmdMemory(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: memory load|unload|list|specs|query|dump|revmap|diff|verify ...")
	}
	verb, rest := args[0], args[1:]
	switch verb {
	case "load":
		return cmdMemoryLoad(rest)
	case "unload":
		return cmdMemoryUnload(rest)
	case "list":
		return cmdMemoryList(rest)
	case "specs":
		return cmdMemorySpecs(rest)
	case "query":
		return cmdMemoryQuery(rest)
	case "dump":
		return cmdMemoryDump(rest)
	case "revmap":
		return cmdMemoryRevmap(rest)
	case "diff":
		return cmdMemoryDiff(rest)
	case "verify":
		return cmdMemoryVerify(rest)
	default:
		return fmt.Errorf("memory: unknown subcommand %q", verb)
	}
}

func cmdMemoryLoad(args []string) error {
	fs := flag.NewFlagSet("memory load", flag.ContinueOnError)
	cfg, err := parseConfigFlag(fs, args)
	if err != nil {
		return err
	}
	pos := fs.Args()
	if len(pos) != 1 {
		return fmt.Errorf("usage: memory load [-config path] <file>")
	}

	logger := newLogger(cfg.LogLevel)
	e, err := openSessionEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer e.Stop()

	d, err := e.LoadDump(backgroundCtx(), pos[0])
	if err != nil {
		return fmt.Errorf("load %q: %w", pos[0], err)
	}
	fmt.Printf("loaded dump %d: %s\n", d.ID, d.Path)
	return nil
}

func cmdMemoryUnload(args []string) error {
	fs := flag.NewFlagSet("memory unload", flag.ContinueOnError)
	cfg, err := parseConfigFlag(fs, args)
	if err != nil {
		return err
	}
	pos := fs.Args()
	if len(pos) != 1 {
		return fmt.Errorf("usage: memory unload [-config path] <index|file>")
	}

	logger := newLogger(cfg.LogLevel)
	e, err := openSessionEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer e.Stop()

	id, err := resolveDumpRef(e, pos[0])
	if err != nil {
		return err
	}
	if err := e.UnloadDump(backgroundCtx(), id); err != nil {
		return fmt.Errorf("unload %d: %w", id, err)
	}
	fmt.Printf("unloaded dump %d\n", id)
	return nil
}

// resolveDumpRef accepts either a numeric dump index or the original file
// path it was registered under.
func resolveDumpRef(e *engine.Engine, ref string) (int64, error) {
	if id, err := strconv.ParseInt(ref, 0, 64); err == nil {
		return id, nil
	}
	for _, d := range e.ListDumps() {
		if d.Path == ref {
			return d.ID, nil
		}
	}
	return 0, fmt.Errorf("no loaded dump matching %q", ref)
}

func cmdMemoryList(args []string) error {
	fs := flag.NewFlagSet("memory list", flag.ContinueOnError)
	cfg, err := parseConfigFlag(fs, args)
	if err != nil {
		return err
	}

	reg, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	defer reg.Close()

	entries, err := reg.List(backgroundCtx())
	if err != nil {
		return fmt.Errorf("list registry entries: %w", err)
	}
	for _, entry := range entries {
		fmt.Printf("%4d  %-10s  %-40s  symbols=%s\n", entry.ID, entry.State, entry.DumpPath, displayName(entry.SymbolsPath))
	}
	return nil
}

func cmdMemorySpecs(args []string) error {
	fs := flag.NewFlagSet("memory specs", flag.ContinueOnError)
	cfg, err := parseConfigFlag(fs, args)
	if err != nil {
		return err
	}
	specs, err := loadSpecs(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("arch=%s page_size=%d page_offset=%#x\n", specs.Arch, specs.PageSize, specs.PageOffset)
	fmt.Printf("vmalloc=[%#x,%#x) vmemmap=[%#x,%#x) high_memory=%#x\n",
		specs.VmallocStart, specs.VmallocEnd, specs.VmemmapStart, specs.VmemmapEnd, specs.HighMemory)
	fmt.Printf("kernel_version=%s\n", specs.KernelVersion)
	if specs.SystemMap != nil {
		fmt.Printf("system_map: %d symbols\n", specs.SystemMap.Len())
	}
	return nil
}

func cmdMemoryQuery(args []string) error {
	fs := flag.NewFlagSet("memory query", flag.ContinueOnError)
	cfg, err := parseConfigFlag(fs, args)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	e, err := openSessionEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer e.Stop()

	pos := fs.Args()
	id, rest, err := resolveDumpIndex(e, pos)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return fmt.Errorf("usage: memory query [-config path] [dump-index] <path-expression>")
	}

	d, _ := e.Dump(id)
	expr, err := pathquery.Parse(rest[0])
	if err != nil {
		return err
	}
	in, err := expr.Eval(e.Factory(), d.VM)
	if err != nil {
		return err
	}
	return printInstance(in)
}

func cmdMemoryDump(args []string) error {
	fs := flag.NewFlagSet("memory dump", flag.ContinueOnError)
	cfg, err := parseConfigFlag(fs, args)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	e, err := openSessionEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer e.Stop()

	pos := fs.Args()
	id, rest, err := resolveDumpIndex(e, pos)
	if err != nil {
		return err
	}
	if len(rest) != 2 {
		return fmt.Errorf("usage: memory dump [-config path] [dump-index] <type> <address>")
	}

	d, _ := e.Dump(id)
	candidates := e.Factory().LookupTypeByName(rest[0])
	if len(candidates) == 0 {
		return fmt.Errorf("unknown type %q", rest[0])
	}
	addr, err := strconv.ParseUint(rest[1], 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", rest[1], err)
	}

	in := instance.New(e.Factory(), d.VM, addr, candidates[0].ID)
	return printInstance(in)
}

func printInstance(in instance.Instance) error {
	if !in.Valid {
		fmt.Println("<invalid instance>")
		return nil
	}
	s, err := in.ToString()
	if err != nil {
		return fmt.Errorf("render instance: %w", err)
	}
	fmt.Printf("%#016x: %s\n", in.Address, s)
	return nil
}

func cmdMemoryRevmap(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: memory revmap build|visualize <dump-index>")
	}
	verb, rest := args[0], args[1:]

	fs := flag.NewFlagSet("memory revmap", flag.ContinueOnError)
	cfg, err := parseConfigFlag(fs, rest)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	e, err := openSessionEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer e.Stop()

	pos := fs.Args()
	if len(pos) != 1 {
		return fmt.Errorf("usage: memory revmap %s [-config path] <dump-index>", verb)
	}
	id, err := strconv.ParseInt(pos[0], 0, 64)
	if err != nil {
		return fmt.Errorf("invalid dump index %q: %w", pos[0], err)
	}

	switch verb {
	case "build":
		mm, err := e.BuildRevMap(backgroundCtx(), id)
		if err != nil {
			return err
		}
		fmt.Printf("built reverse map for dump %d: %d nodes\n", id, mm.Tree().Size())
		return nil
	case "visualize":
		d, ok := e.Dump(id)
		if !ok {
			return fmt.Errorf("no loaded dump with index %d", id)
		}
		if d.MemoryMap == nil {
			return fmt.Errorf("dump %d has no reverse map; run \"memory revmap build %d\" first", id, id)
		}
		printNodes(d.MemoryMap.Flatten())
		return nil
	default:
		return fmt.Errorf("memory revmap: unknown subcommand %q", verb)
	}
}

func printNodes(nodes []*revmap.MapNode) {
	for _, n := range nodes {
		bt, _ := n.Instance.Type()
		depth := 0
		for p := n.Parent; p != nil; p = p.Parent {
			depth++
		}
		fmt.Printf("%s%#016x  %-30s  p=%.3f\n",
			indent(depth), n.RangeStart(), nodeLabel(n, bt), n.Probability())
	}
}

func nodeLabel(n *revmap.MapNode, bt *symbols.BaseType) string {
	if bt == nil {
		return n.Name
	}
	return fmt.Sprintf("%s (%s)", n.Name, displayName(bt.Name))
}

func indent(depth int) string {
	out := make([]byte, depth*2)
	for i := range out {
		out[i] = ' '
	}
	return string(out)
}

func cmdMemoryDiff(args []string) error {
	if len(args) < 1 || args[0] != "build" {
		return fmt.Errorf("usage: memory diff build <i> <j>")
	}
	rest := args[1:]

	fs := flag.NewFlagSet("memory diff build", flag.ContinueOnError)
	cfg, err := parseConfigFlag(fs, rest)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	e, err := openSessionEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer e.Stop()

	pos := fs.Args()
	if len(pos) != 2 {
		return fmt.Errorf("usage: memory diff build [-config path] <i> <j>")
	}
	idA, err := strconv.ParseInt(pos[0], 0, 64)
	if err != nil {
		return fmt.Errorf("invalid dump index %q: %w", pos[0], err)
	}
	idB, err := strconv.ParseInt(pos[1], 0, 64)
	if err != nil {
		return fmt.Errorf("invalid dump index %q: %w", pos[1], err)
	}

	tree, err := e.DiffDumps(backgroundCtx(), idA, idB, 0, ^uint64(0))
	if err != nil {
		return err
	}
	for _, run := range tree.Runs() {
		fmt.Printf("[%#016x, %#016x)  %d bytes\n", run.Start, run.End, run.End-run.Start)
	}
	return nil
}
