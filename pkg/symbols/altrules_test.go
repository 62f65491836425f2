package symbols_test

import (
	"testing"

	"github.com/insightvmi/insightd/pkg/symbols"
)

func mustParseGuard(t *testing.T, expr string) symbols.GuardExpr {
	t.Helper()
	g, err := symbols.ParseGuard(expr)
	if err != nil {
		t.Fatalf("ParseGuard(%q): %v", expr, err)
	}
	return g
}

func TestGuardExpr_Eval(t *testing.T) {
	cases := []struct {
		expr   string
		fields map[string]int64
		want   bool
	}{
		{"type == 2", map[string]int64{"type": 2}, true},
		{"type == 2", map[string]int64{"type": 3}, false},
		{"type == 2 && flags & 1", map[string]int64{"type": 2, "flags": 1}, true},
		{"type == 2 && flags & 1", map[string]int64{"type": 2, "flags": 0}, false},
		{"type == 2 || type == 4", map[string]int64{"type": 4}, true},
		{"!(type == 2)", map[string]int64{"type": 2}, false},
		{"!(type == 2)", map[string]int64{"type": 3}, true},
		{"size >= 0x10", map[string]int64{"size": 16}, true},
		{"size >= 0x10", map[string]int64{"size": 8}, false},
		{"missing_field == 0", map[string]int64{}, true},
	}
	for _, c := range cases {
		g := mustParseGuard(t, c.expr)
		if got := g.Eval(c.fields); got != c.want {
			t.Errorf("Eval(%q, %v) = %v, want %v", c.expr, c.fields, got, c.want)
		}
	}
}

func TestGuardExpr_ParseError(t *testing.T) {
	if _, err := symbols.ParseGuard("type ==="); err == nil {
		t.Fatal("expected parse error for malformed expression")
	}
	if _, err := symbols.ParseGuard("(type == 2"); err == nil {
		t.Fatal("expected parse error for unbalanced parens")
	}
}

func TestAlternativeSet_Resolve(t *testing.T) {
	as := &symbols.AlternativeSet{
		Alternatives: []symbols.Alternative{
			{Priority: 0, Guard: mustParseGuard(t, "family == 2"), ResultTypeID: 100, Description: "ipv4 sockaddr"},
			{Priority: 0, Guard: mustParseGuard(t, "family == 10"), ResultTypeID: 101, Description: "ipv6 sockaddr"},
			{Priority: 5, Guard: mustParseGuard(t, "family == 2 && len == 16"), ResultTypeID: 102, Description: "ipv4 sockaddr, specific"},
		},
	}

	id, err, matched := as.Resolve(map[string]int64{"family": 2, "len": 16})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !matched || id != 102 {
		t.Errorf("Resolve = %d, matched=%v, want 102, true (higher priority specific rule should win)", id, matched)
	}

	id, err, matched = as.Resolve(map[string]int64{"family": 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !matched || id != 101 {
		t.Errorf("Resolve = %d, matched=%v, want 101, true", id, matched)
	}

	_, _, matched = as.Resolve(map[string]int64{"family": 999})
	if matched {
		t.Error("expected no match for unrecognised family")
	}
}

func TestAlternativeSet_ResolveAmbiguous(t *testing.T) {
	as := &symbols.AlternativeSet{
		Alternatives: []symbols.Alternative{
			{Priority: 0, Guard: mustParseGuard(t, "type == 1"), ResultTypeID: 1, Description: "a"},
			{Priority: 0, Guard: mustParseGuard(t, "type == 1"), ResultTypeID: 2, Description: "b"},
		},
	}
	_, err, matched := as.Resolve(map[string]int64{"type": 1})
	if !matched {
		t.Fatal("expected matched=true even when ambiguous")
	}
	if err == nil {
		t.Fatal("expected ambiguity error")
	}
	var ambig *symbols.ErrAmbiguousAlternative
	if !errorsAsAmbiguous(err, &ambig) {
		t.Fatalf("expected *ErrAmbiguousAlternative, got %T: %v", err, err)
	}
	if len(ambig.Candidates) != 2 {
		t.Errorf("Candidates = %d, want 2", len(ambig.Candidates))
	}
}

func errorsAsAmbiguous(err error, target **symbols.ErrAmbiguousAlternative) bool {
	e, ok := err.(*symbols.ErrAmbiguousAlternative)
	if !ok {
		return false
	}
	*target = e
	return true
}

func TestAlternativeSet_ResolveNilIsNoOp(t *testing.T) {
	var as *symbols.AlternativeSet
	_, err, matched := as.Resolve(map[string]int64{"x": 1})
	if err != nil || matched {
		t.Errorf("nil AlternativeSet should never match, got err=%v matched=%v", err, matched)
	}
}
