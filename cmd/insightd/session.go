package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/insightvmi/insightd/internal/config"
	"github.com/insightvmi/insightd/internal/engine"
	"github.com/insightvmi/insightd/internal/registry"
	"github.com/insightvmi/insightd/pkg/memspecs"
	"github.com/insightvmi/insightd/pkg/symbols"
)

// factoryCachePath is where the CLI caches the most recently loaded or
// parsed symbol factory, so that "symbols parse"/"symbols load" in one
// process invocation is visible to "list types"/"memory query" in the
// next. It sits alongside the dump registry database, the same
// sibling-file convention internal/registry uses for its own WAL files.
func factoryCachePath(cfg *config.Config) string {
	return cfg.RegistryPath + ".symbols"
}

// loadFactory reads the cached symbol factory. It returns a clear error
// directing the user to "symbols parse"/"symbols load" first when no
// cache exists yet, rather than a bare os.ErrNotExist.
func loadFactory(cfg *config.Config) (*symbols.SymbolFactory, error) {
	path := factoryCachePath(cfg)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no symbol factory loaded yet; run \"symbols parse\" or \"symbols load\" first")
		}
		return nil, fmt.Errorf("open symbol factory cache %q: %w", path, err)
	}
	defer f.Close()

	factory, err := symbols.Load(f)
	if err != nil {
		return nil, fmt.Errorf("load symbol factory cache %q: %w", path, err)
	}
	return factory, nil
}

// saveFactory overwrites the cached symbol factory, the counterpart to
// loadFactory.
func saveFactory(cfg *config.Config, factory *symbols.SymbolFactory) error {
	path := factoryCachePath(cfg)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create symbol factory cache %q: %w", path, err)
	}
	defer f.Close()

	if err := factory.Persist(f); err != nil {
		return fmt.Errorf("persist symbol factory cache %q: %w", path, err)
	}
	return nil
}

// loadSpecs loads the architecture/kernel-build MemSpecs and, if
// configured, its companion System.map.
func loadSpecs(cfg *config.Config) (*memspecs.MemSpecs, error) {
	specs, err := memspecs.Load(cfg.MemSpecsPath)
	if err != nil {
		return nil, fmt.Errorf("load memspecs %q: %w", cfg.MemSpecsPath, err)
	}
	if cfg.SystemMapPath != "" {
		if err := specs.LoadSystemMap(cfg.SystemMapPath); err != nil {
			return nil, fmt.Errorf("load system map %q: %w", cfg.SystemMapPath, err)
		}
	}
	return specs, nil
}

// openRegistry opens the dump/session registry at cfg.RegistryPath.
func openRegistry(cfg *config.Config) (*registry.Registry, error) {
	reg, err := registry.Open(cfg.RegistryPath)
	if err != nil {
		return nil, fmt.Errorf("open registry %q: %w", cfg.RegistryPath, err)
	}
	return reg, nil
}

// openSessionEngine builds a throwaway *engine.Engine for one CLI
// invocation: a finalized factory, the loaded MemSpecs, and the dump
// registry, then calls Start so every dump the registry still lists as
// loaded or symbols-bound is reopened against the current memory image
// files. Callers must Stop() the returned engine when finished; Stop also
// closes the registry.
func openSessionEngine(cfg *config.Config, logger *slog.Logger) (*engine.Engine, error) {
	factory, err := loadFactory(cfg)
	if err != nil {
		return nil, err
	}
	specs, err := loadSpecs(cfg)
	if err != nil {
		return nil, err
	}
	reg, err := openRegistry(cfg)
	if err != nil {
		return nil, err
	}

	e := engine.New(cfg, logger,
		engine.WithFactory(factory),
		engine.WithMemSpecs(specs),
		engine.WithRegistry(reg),
	)
	if err := e.Start(backgroundCtx()); err != nil {
		e.Stop()
		return nil, fmt.Errorf("start engine: %w", err)
	}
	return e, nil
}

// resolveDumpIndex parses a "memory query"/"memory dump"-style leading
// dump-index argument. It is optional per the CLI grammar: when present
// it is consumed from args and returned; when absent (the remaining args
// do not parse as an integer) the registry's first loaded dump is
// assumed, matching a single-dump-image workflow where specifying the
// index every time would be redundant.
func resolveDumpIndex(e *engine.Engine, args []string) (int64, []string, error) {
	if len(args) > 0 {
		if id, err := strconv.ParseInt(args[0], 0, 64); err == nil {
			if _, ok := e.Dump(id); !ok {
				return 0, nil, fmt.Errorf("no loaded dump with index %d", id)
			}
			return id, args[1:], nil
		}
	}
	for _, d := range e.ListDumps() {
		return d.ID, args, nil
	}
	return 0, nil, fmt.Errorf("no memory image loaded; run \"memory load <file>\" first")
}
