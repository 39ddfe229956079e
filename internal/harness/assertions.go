package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/roach88/courier/internal/model"
	"github.com/roach88/courier/internal/store"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string       // assertion type
	Expected string       // human-readable expected outcome
	Actual   string       // human-readable actual outcome
	Trace    []TraceEvent // gateway calls, for context
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\ncalls:\n")
		for _, ev := range e.Trace {
			if ev.Type != EventCall {
				continue
			}
			fmt.Fprintf(&buf, "  [%d] %s %s %s -> %s", ev.Seq, ev.Operation, ev.EntityType, ev.EntityID, ev.Outcome)
			if ev.Error != "" {
				fmt.Fprintf(&buf, " (%s)", ev.Error)
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

func (h *Harness) assert(ctx context.Context, a Assertion) error {
	expect, err := h.resolveValue(ctx, map[string]any(a.Expect))
	if err != nil {
		return err
	}
	want, _ := expect.(map[string]any)

	switch a.Type {
	case AssertCalls:
		return h.assertCalls(a)
	case AssertCall:
		calls := h.result.Calls()
		if a.Index >= len(calls) {
			return h.failure(a.Type, fmt.Sprintf("call %d", a.Index), fmt.Sprintf("%d calls", len(calls)))
		}
		doc, err := json.Marshal(calls[a.Index])
		if err != nil {
			return err
		}
		return h.match(a.Type, doc, want)
	case AssertEntity:
		e, err := h.entity(ctx, a)
		if errors.Is(err, store.ErrNotFound) {
			return h.failure(a.Type, fmt.Sprintf("%s %s exists", a.Entity, a.ID), "not found")
		}
		if err != nil {
			return err
		}
		doc, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return h.match(a.Type, doc, want)
	case AssertAbsent:
		e, err := h.entity(ctx, a)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return h.failure(a.Type, fmt.Sprintf("%s %s absent", a.Entity, a.ID), fmt.Sprintf("found %s", model.KeyOf(e)))
	case AssertEntry:
		entry, err := h.queue.Get(ctx, a.Entry)
		if err != nil {
			return err
		}
		doc, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return h.match(a.Type, doc, want)
	case AssertQueue:
		st, err := h.queue.Stats(ctx)
		if err != nil {
			return err
		}
		doc, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return h.match(a.Type, doc, want)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func (h *Harness) assertCalls(a Assertion) error {
	calls := h.result.Calls()
	if a.Count != nil && len(calls) != *a.Count {
		return h.failure(a.Type, fmt.Sprintf("%d calls", *a.Count), fmt.Sprintf("%d calls", len(calls)))
	}
	if len(a.Sequence) == 0 {
		return nil
	}
	got := make([]string, len(calls))
	for i, c := range calls {
		got[i] = c.Operation + " " + c.EntityType
	}
	if strings.Join(got, ", ") != strings.Join(a.Sequence, ", ") {
		return h.failure(a.Type, "["+strings.Join(a.Sequence, ", ")+"]", "["+strings.Join(got, ", ")+"]")
	}
	return nil
}

// entity loads the assertion's target. The id may be a $name reference.
func (h *Harness) entity(ctx context.Context, a Assertion) (model.Entity, error) {
	id, err := h.resolve(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	return h.store.Get(ctx, model.EntityType(a.Entity), id)
}

func (h *Harness) failure(typ, expected, actual string) error {
	return &AssertionError{
		Type:     typ,
		Expected: expected,
		Actual:   actual,
		Trace:    h.result.Trace,
	}
}

// match checks every expected field against doc. Nested maps address
// nested objects; other fields of doc are ignored.
func (h *Harness) match(typ string, doc []byte, expect map[string]any) error {
	var mismatches []string
	for _, path := range sortedPaths(expect) {
		want := lookup(expect, path)
		got := gjson.GetBytes(doc, path)
		if !valueMatches(got, want) {
			mismatches = append(mismatches, fmt.Sprintf("%s: want %s, got %s", path, describe(want), describeResult(got)))
		}
	}
	if len(mismatches) == 0 {
		return nil
	}
	return h.failure(typ, "fields match", strings.Join(mismatches, "; "))
}

// sortedPaths flattens nested maps into gjson paths in a stable order.
func sortedPaths(expect map[string]any) []string {
	var paths []string
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			p := gjson.Escape(k)
			if prefix != "" {
				p = prefix + "." + p
			}
			if nested, ok := v.(map[string]any); ok && len(nested) > 0 {
				walk(p, nested)
				continue
			}
			paths = append(paths, p)
		}
	}
	walk("", expect)
	sort.Strings(paths)
	return paths
}

// lookup returns the expected value at a path produced by sortedPaths.
func lookup(expect map[string]any, path string) any {
	var cur any = expect
	for _, seg := range splitPath(path) {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	return cur
}

// splitPath undoes the escaping of sortedPaths.
func splitPath(path string) []string {
	var (
		segs []string
		cur  strings.Builder
	)
	for i := 0; i < len(path); i++ {
		switch c := path[i]; {
		case c == '\\' && i+1 < len(path):
			i++
			cur.WriteByte(path[i])
		case c == '.':
			segs = append(segs, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	return append(segs, cur.String())
}

// valueMatches compares a JSON value with a YAML-decoded expectation.
// A nil expectation matches an absent or null field. Maps inside lists
// match as subsets.
func valueMatches(got gjson.Result, want any) bool {
	switch w := want.(type) {
	case nil:
		return !got.Exists() || got.Type == gjson.Null
	case string:
		return got.Type == gjson.String && got.Str == w
	case bool:
		return (got.Type == gjson.True || got.Type == gjson.False) && got.Bool() == w
	case int:
		return got.Type == gjson.Number && !strings.ContainsAny(got.Raw, ".eE") && got.Int() == int64(w)
	case int64:
		return got.Type == gjson.Number && !strings.ContainsAny(got.Raw, ".eE") && got.Int() == w
	case float64:
		return got.Type == gjson.Number && got.Num == w
	case []any:
		if !got.IsArray() {
			return false
		}
		elems := got.Array()
		if len(elems) != len(w) {
			return false
		}
		for i := range w {
			if !valueMatches(elems[i], w[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		if !got.IsObject() {
			return false
		}
		for k, v := range w {
			if !valueMatches(got.Get(gjson.Escape(k)), v) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func describe(v any) string {
	if v == nil {
		return "<absent>"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func describeResult(r gjson.Result) string {
	if !r.Exists() {
		return "<absent>"
	}
	return r.Raw
}

// resolveValue resolves $name references anywhere in v.
func (h *Harness) resolveValue(ctx context.Context, v any) (any, error) {
	switch val := v.(type) {
	case string:
		return h.resolve(ctx, val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			r, err := h.resolveValue(ctx, elem)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			r, err := h.resolveValue(ctx, elem)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}
