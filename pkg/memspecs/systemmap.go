package memspecs

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// SymbolKind is the single-character nm(1)/System.map symbol-type code
// (e.g. 'T' text, 'D' data, 'B' bss, 'R' read-only data).
type SymbolKind byte

// SymbolEntry is one resolved System.map record. A symbol name may appear
// multiple times (e.g. static symbols scoped to different translation
// units), so SystemMap.Lookup returns only the first encountered address;
// All returns every match.
type SymbolEntry struct {
	Address uint64
	Kind    SymbolKind
	Name    string
}

// SystemMap is an in-memory index of a kernel System.map file, keyed by
// symbol name. It is built once by ParseSystemMap and is read-only
// thereafter, so concurrent lookups need no synchronization.
type SystemMap struct {
	byName map[string][]SymbolEntry
	all    []SymbolEntry
}

// ParseSystemMap reads a System.map-format file: each line is
// "<hex address> <kind char> <symbol name>". Lines that do not match this
// shape are skipped rather than treated as fatal, since System.map files
// occasionally contain blank lines or tool-added commentary.
func ParseSystemMap(path string) (*SystemMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("systemmap: open %q: %w", path, err)
	}
	defer f.Close()

	sm := &SystemMap{byName: make(map[string][]SymbolEntry)}

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			continue
		}
		kind := fields[1]
		if len(kind) != 1 {
			continue
		}
		name := strings.Join(fields[2:], " ")

		e := SymbolEntry{Address: addr, Kind: SymbolKind(kind[0]), Name: name}
		sm.byName[name] = append(sm.byName[name], e)
		sm.all = append(sm.all, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("systemmap: scan %q: %w", path, err)
	}
	if len(sm.all) == 0 {
		return nil, fmt.Errorf("systemmap: %q contains no parsable symbol lines", path)
	}

	return sm, nil
}

// Lookup returns the address of the first symbol named name, and whether it
// was found at all.
func (sm *SystemMap) Lookup(name string) (uint64, bool) {
	entries, ok := sm.byName[name]
	if !ok || len(entries) == 0 {
		return 0, false
	}
	return entries[0].Address, true
}

// All returns every entry recorded for name, in file order. Kernel builds
// routinely emit the same static-scope symbol name in multiple translation
// units, so callers that need to disambiguate by address range should use
// this rather than Lookup.
func (sm *SystemMap) All(name string) []SymbolEntry {
	return sm.byName[name]
}

// Len returns the total number of parsed symbol entries, including
// duplicate names.
func (sm *SystemMap) Len() int {
	return len(sm.all)
}

// NearestBelow returns the symbol entry with the greatest address not
// exceeding addr, and whether one was found. This resolves an address that
// falls inside a function or data object to its containing symbol, which
// System.map alone (a flat name table) does not index directly; callers
// needing this repeatedly should sort All() once rather than calling
// NearestBelow in a loop over a large address range.
func (sm *SystemMap) NearestBelow(addr uint64) (SymbolEntry, bool) {
	var best SymbolEntry
	found := false
	for _, e := range sm.all {
		if e.Address <= addr && (!found || e.Address > best.Address) {
			best = e
			found = true
		}
	}
	return best, found
}
