// Package pathquery parses and evaluates the path-expression grammar the
// "memory query"/"memory dump" CLI commands accept: a dot-separated chain
// of member accesses, each optionally preceded by a type cast and
// followed by an alternative-type candidate selector and/or array
// indices. Grammar, verbatim: `((cast-type(-offset)?) symbol(<candidate-index>)?
// (\[index\])*` per component, joined by '.'.
//
// Two concrete examples: `init_task.tasks.next` walks a struct member
// chain to reach a list head; `(struct file *)fp.private_data<2>.sk`
// casts the root instance, selects the second alternative interpretation
// of a generic member, then descends into it.
package pathquery

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/insightvmi/insightd/pkg/instance"
	"github.com/insightvmi/insightd/pkg/symbols"
	"github.com/insightvmi/insightd/pkg/vmem"
)

// Component is one dot-separated step of a parsed path expression.
type Component struct {
	// CastType is the type name inside a leading "(type)" or "(type-N)",
	// empty when the component carries no cast.
	CastType string
	// CastOffset is the "-N" container_of-style byte offset subtracted
	// from the address before reinterpreting as CastType; zero when absent.
	CastOffset int64

	// Symbol is the member name for every component but the first, where
	// it is the root global/static variable name.
	Symbol string

	// Candidate is the requested alternative-type index from "<k>", or -1
	// when no candidate selector was present. It is 1-based: <k> picks the
	// k-th alternative and <0> keeps the member's declared type.
	Candidate int

	// Indices holds zero or more "[n]" array/pointer subscripts applied,
	// in order, after the member/candidate resolution.
	Indices []int64
}

// Expr is a fully parsed path expression: the chain of components walked
// left to right starting from Components[0]'s Symbol as a root variable.
type Expr struct {
	Components []Component
}

// Parse splits expr on '.' and parses each component. It returns an error
// naming the offending component on a malformed one, rather than
// attempting partial recovery.
func Parse(expr string) (*Expr, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("pathquery: empty expression")
	}
	parts := splitComponents(expr)
	out := make([]Component, 0, len(parts))
	for _, p := range parts {
		c, err := parseComponent(p)
		if err != nil {
			return nil, fmt.Errorf("pathquery: parse %q: %w", p, err)
		}
		out = append(out, c)
	}
	return &Expr{Components: out}, nil
}

// splitComponents splits on '.' that are not inside a leading "(...)"
// cast clause, since a cast like "(struct file *)" never itself contains
// a '.', but defending against it keeps the split robust.
func splitComponents(expr string) []string {
	var parts []string
	depth := 0
	start := 0
	for i := 0; i < len(expr); i++ {
		switch expr[i] {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case '.':
			if depth == 0 {
				parts = append(parts, expr[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, expr[start:])
	return parts
}

func parseComponent(s string) (Component, error) {
	c := Component{Candidate: -1}
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "(") {
		end := strings.IndexByte(s, ')')
		if end < 0 {
			return c, fmt.Errorf("unterminated cast clause")
		}
		cast := s[1:end]
		if idx := strings.LastIndexByte(cast, '-'); idx > 0 {
			if off, err := strconv.ParseInt(cast[idx+1:], 0, 64); err == nil {
				c.CastOffset = off
				cast = cast[:idx]
			}
		}
		c.CastType = strings.TrimSpace(cast)
		s = s[end+1:]
	}

	// Pull off trailing "[n]" array indices.
	for strings.HasSuffix(s, "]") {
		open := strings.LastIndexByte(s, '[')
		if open < 0 {
			return c, fmt.Errorf("unterminated '['")
		}
		n, err := strconv.ParseInt(s[open+1:len(s)-1], 0, 64)
		if err != nil {
			return c, fmt.Errorf("invalid array index %q: %w", s[open+1:len(s)-1], err)
		}
		c.Indices = append([]int64{n}, c.Indices...)
		s = s[:open]
	}

	// Pull off a trailing "<k>" candidate selector.
	if strings.HasSuffix(s, ">") {
		open := strings.LastIndexByte(s, '<')
		if open < 0 {
			return c, fmt.Errorf("unterminated '<'")
		}
		k, err := strconv.Atoi(s[open+1 : len(s)-1])
		if err != nil {
			return c, fmt.Errorf("invalid candidate index %q: %w", s[open+1:len(s)-1], err)
		}
		c.Candidate = k
		s = s[:open]
	}

	s = strings.TrimSpace(s)
	if s == "" {
		return c, fmt.Errorf("missing symbol name")
	}
	c.Symbol = s
	return c, nil
}

// Eval walks factory/vm starting from the root variable named by the
// expression's first component, applying every component's cast,
// candidate selection, and array indices in turn. It returns an invalid
// Instance (not an error) for a pointer chain that runs into a null or
// untranslatable pointer, matching pkg/instance's own failure contract;
// an error is returned only for a structural problem (unknown symbol,
// unknown type name, member not found, index out of range).
func (e *Expr) Eval(factory *symbols.SymbolFactory, vm *vmem.VirtualMemory) (instance.Instance, error) {
	if len(e.Components) == 0 {
		return instance.Instance{}, fmt.Errorf("pathquery: empty expression")
	}

	root := e.Components[0]
	v, ok := factory.LookupVariableByName(root.Symbol)
	if !ok {
		return instance.Instance{}, fmt.Errorf("pathquery: no global variable named %q", root.Symbol)
	}
	in := instance.New(factory, vm, v.Address, v.TypeID)

	in, err := applyCast(factory, in, root)
	if err != nil {
		return instance.Instance{}, err
	}
	in, err = applyIndices(in, root.Indices)
	if err != nil {
		return instance.Instance{}, err
	}

	for _, c := range e.Components[1:] {
		if !in.Valid {
			return in, nil
		}
		in, err = stepMember(factory, in, c)
		if err != nil {
			return instance.Instance{}, err
		}
		in, err = applyCast(factory, in, c)
		if err != nil {
			return instance.Instance{}, err
		}
		in, err = applyIndices(in, c.Indices)
		if err != nil {
			return instance.Instance{}, err
		}
	}
	return in, nil
}

// stepMember resolves c.Symbol as a member of in. With no candidate
// selector it lets Member auto-follow pointers as usual. With one, it
// first fetches the member at its statically declared type (flags=0, so
// Member does not auto-dereference it out from under us), looks up the
// declared type's alternatives directly rather than through Member's
// guard-based resolution (which requires sibling field values this
// CLI-driven walk does not have on hand), rebinds to the chosen
// alternative (1-based; <0> keeps the declared type), and only then
// follows pointers the normal way.
func stepMember(factory *symbols.SymbolFactory, in instance.Instance, c Component) (instance.Instance, error) {
	if c.Candidate < 0 {
		out, err := in.Member(c.Symbol, nil, instance.TrAnyNonNull)
		if err != nil {
			return instance.Instance{}, fmt.Errorf("member %q: %w", c.Symbol, err)
		}
		return out, nil
	}

	out, err := in.Member(c.Symbol, nil, 0)
	if err != nil {
		return instance.Instance{}, fmt.Errorf("member %q: %w", c.Symbol, err)
	}
	if !out.Valid {
		return out, nil
	}
	if c.Candidate == 0 {
		return out.Dereference(instance.TrAnyNonNull)
	}

	bt, ok := factory.Type(out.TypeID)
	if !ok || bt.Alternatives == nil || c.Candidate > len(bt.Alternatives.Alternatives) {
		return instance.Instance{}, fmt.Errorf("member %q: candidate index %d out of range", c.Symbol, c.Candidate)
	}
	out = out.ChangeType(bt.Alternatives.Alternatives[c.Candidate-1].ResultTypeID)
	return out.Dereference(instance.TrAnyNonNull)
}

// applyCast reinterprets in as c.CastType when present. A cast ending in
// "*" follows one pointer level first (the classic "(struct file *)fp"
// idiom reinterprets what fp points to, not fp itself); any other cast
// reinterprets in place, after subtracting c.CastOffset, matching the
// container_of pattern of `(struct task_struct-24)some_list_member`.
func applyCast(factory *symbols.SymbolFactory, in instance.Instance, c Component) (instance.Instance, error) {
	if c.CastType == "" {
		return in, nil
	}
	if !in.Valid {
		return in, nil
	}

	typeName := strings.TrimSuffix(strings.TrimSpace(c.CastType), "*")
	typeName = strings.TrimSpace(typeName)
	typeName = strings.TrimPrefix(typeName, "struct ")
	typeName = strings.TrimPrefix(typeName, "union ")
	typeName = strings.TrimPrefix(typeName, "enum ")
	typeName = strings.TrimSpace(typeName)

	candidates := factory.LookupTypeByName(typeName)
	if len(candidates) == 0 {
		return instance.Instance{}, fmt.Errorf("cast: unknown type %q", typeName)
	}
	target := candidates[0]

	if strings.HasSuffix(strings.TrimSpace(c.CastType), "*") {
		deref, err := in.Dereference(instance.TrPointer)
		if err != nil {
			return instance.Instance{}, fmt.Errorf("cast %q: %w", c.CastType, err)
		}
		if !deref.Valid {
			return deref, nil
		}
		return deref.ChangeType(target.ID), nil
	}

	out := in.ChangeType(target.ID)
	if c.CastOffset != 0 {
		out = out.WithAddress(out.Address - uint64(c.CastOffset))
	}
	return out, nil
}

func applyIndices(in instance.Instance, indices []int64) (instance.Instance, error) {
	var err error
	for _, idx := range indices {
		if !in.Valid {
			return in, nil
		}
		in, err = in.ArrayElem(idx)
		if err != nil {
			return instance.Instance{}, fmt.Errorf("array index [%d]: %w", idx, err)
		}
	}
	return in, nil
}
