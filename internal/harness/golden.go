package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/courier/internal/payload"
)

// GoldenDir holds golden trace files, relative to the test's package.
const GoldenDir = "testdata/golden"

// TraceSnapshot is the golden-file form of a run: the calls the remote
// system saw and what each drain pass did. Payloads are left out; call
// assertions cover them.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
}

// toCanonicalMap converts the snapshot into values MarshalCanonical accepts.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	trace := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		m := map[string]any{
			"seq":  ev.Seq,
			"type": ev.Type,
		}
		switch ev.Type {
		case EventCall:
			m["operation"] = ev.Operation
			m["entity_type"] = ev.EntityType
			m["entity_id"] = ev.EntityID
			m["idempotency_key"] = ev.IdempotencyKey
			m["outcome"] = ev.Outcome
			if ev.ServerID != "" {
				m["server_id"] = ev.ServerID
			}
			if ev.Error != "" {
				m["error"] = ev.Error
			}
		case EventDrain:
			if d := ev.Drain; d != nil {
				m["drain"] = map[string]any{
					"recovered": d.Recovered,
					"promoted":  d.Promoted,
					"attempted": d.Attempted,
					"succeeded": d.Succeeded,
					"transient": d.Transient,
					"permanent": d.Permanent,
					"deferred":  d.Deferred,
					"skipped":   d.Skipped,
				}
			}
		}
		trace[i] = m
	}
	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         trace,
	}
}

// Snapshot renders a result's trace as canonical JSON.
func Snapshot(name string, result *Result) ([]byte, error) {
	snap := TraceSnapshot{ScenarioName: name, Trace: result.Trace}
	return payload.MarshalCanonical(snap.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares its trace against
// testdata/golden/<name>.golden. Assertion failures fail the test too.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return err
	}
	for _, msg := range result.Errors {
		t.Errorf("%s: %s", scenario.Name, msg)
	}
	return AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result's trace against a golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := Snapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir(GoldenDir),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)
	return nil
}
