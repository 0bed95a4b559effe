package provider

import (
	"fmt"
	"strings"
)

// Selector is a conjunction of header equality tests, written as
// "region = 'eu' AND priority = 5". The zero Selector matches everything.
type Selector struct {
	expr  string
	terms []selectorTerm
}

type selectorTerm struct {
	header string
	value  string
}

// ParseSelector parses a message selector. Only header equality joined by
// AND is understood; anything else is rejected.
func ParseSelector(expr string) (Selector, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Selector{}, nil
	}
	sel := Selector{expr: expr}
	for _, part := range splitAnd(expr) {
		name, raw, ok := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		value, valid := selectorValue(strings.TrimSpace(raw))
		if !ok || !valid || name == "" || strings.ContainsAny(name, " <>!") {
			return Selector{}, fmt.Errorf("%w: %q", ErrInvalidSelector, expr)
		}
		sel.terms = append(sel.terms, selectorTerm{header: name, value: value})
	}
	return sel, nil
}

// selectorValue unquotes a 'string' literal or accepts a bare token
func selectorValue(raw string) (string, bool) {
	if strings.HasPrefix(raw, "'") {
		if len(raw) < 2 || !strings.HasSuffix(raw, "'") || strings.Contains(raw[1:len(raw)-1], "'") {
			return "", false
		}
		return raw[1 : len(raw)-1], true
	}
	if raw == "" || strings.ContainsAny(raw, " =<>'") {
		return "", false
	}
	return raw, true
}

func splitAnd(expr string) []string {
	var parts, current []string
	for _, f := range strings.Fields(expr) {
		if strings.EqualFold(f, "AND") {
			parts = append(parts, strings.Join(current, " "))
			current = nil
			continue
		}
		current = append(current, f)
	}
	return append(parts, strings.Join(current, " "))
}

// Empty reports whether the selector matches every message
func (s Selector) Empty() bool { return len(s.terms) == 0 }

// Matches reports whether every term holds for msg's headers
func (s Selector) Matches(msg Message) bool {
	if len(s.terms) == 0 {
		return true
	}
	headers := msg.Headers()
	for _, term := range s.terms {
		v, ok := headers[term.header]
		if !ok || fmt.Sprint(v) != term.value {
			return false
		}
	}
	return true
}

func (s Selector) String() string { return s.expr }
