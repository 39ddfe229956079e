package harness

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/courier/internal/model"
)

// Scenario describes one offline session and its synchronization.
type Scenario struct {
	// Name uniquely identifies this scenario; it names the golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario shows.
	Description string `yaml:"description"`

	// IDs are the suffixes of provisional ids, handed out in order
	// (local-<id>). When exhausted, ids continue as local-id-<n>.
	IDs []string `yaml:"ids,omitempty"`

	// CallTimeout bounds each gateway call. Default 50ms.
	CallTimeout string `yaml:"call_timeout,omitempty"`

	// MaxAttempts bounds automatic retries. Default 10.
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// Gateway scripts the remote system.
	Gateway GatewayScript `yaml:"gateway,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions are checked after the last step.
	Assertions []Assertion `yaml:"assertions"`
}

// GatewayScript scripts the remote system. Calls without a matching
// response succeed.
type GatewayScript struct {
	// Assign lists server ids handed out to creates, per entity type.
	Assign map[string][]string `yaml:"assign,omitempty"`

	// Responses script specific calls.
	Responses []Response `yaml:"responses,omitempty"`
}

// Response scripts the answers to calls matching Operation, Type and ID
// (empty matches anything). Each call consumes one reply:
//
//	success | success:<server id> | transient[:msg] | permanent[:msg] | timeout
type Response struct {
	Operation string   `yaml:"operation,omitempty"`
	Type      string   `yaml:"type,omitempty"`
	ID        string   `yaml:"id,omitempty"`
	Replies   []string `yaml:"replies"`
}

// Step actions.
const (
	ActionCreateUser   = "create_user"
	ActionCreateDriver = "create_driver"
	ActionCreateOrder  = "create_order"
	ActionUpdateUser   = "update_user"
	ActionUpdateDriver = "update_driver"
	ActionUpdateOrder  = "update_order"
	ActionDelete       = "delete"
	ActionSeed         = "seed"
	ActionDrain        = "drain"
	ActionAdvance      = "advance"
	ActionRetry        = "retry"
	ActionInterrupt    = "interrupt"
	ActionPurge        = "purge"
)

// Step is one scenario action.
type Step struct {
	Action string `yaml:"action"`

	// As names the entity a create or seed step produces.
	As string `yaml:"as,omitempty"`

	// Type and ID select the entity for update, delete and seed steps.
	// ID may be a $name reference.
	Type string `yaml:"type,omitempty"`
	ID   string `yaml:"id,omitempty"`

	// Entry selects the queue entry for retry and interrupt steps.
	Entry int64 `yaml:"entry,omitempty"`

	// Duration is the clock advance, or the purge retention window.
	Duration string `yaml:"duration,omitempty"`

	// Fields are the entity fields to set.
	Fields map[string]any `yaml:"fields,omitempty"`
}

// Assertion types.
const (
	AssertCalls  = "calls"
	AssertCall   = "call"
	AssertEntity = "entity"
	AssertAbsent = "absent"
	AssertEntry  = "entry"
	AssertQueue  = "queue"
)

// Assertion validates the trace or final state.
type Assertion struct {
	// Type is one of calls, call, entity, absent, entry, queue.
	Type string `yaml:"type"`

	// Count is the expected number of gateway calls (calls).
	Count *int `yaml:"count,omitempty"`

	// Sequence is the expected "<operation> <type>" of every call in order
	// (calls).
	Sequence []string `yaml:"sequence,omitempty"`

	// Index selects a call, zero-based (call).
	Index int `yaml:"index,omitempty"`

	// Entity and ID select an entity (entity, absent). ID may be a $name
	// reference.
	Entity string `yaml:"entity,omitempty"`
	ID     string `yaml:"id,omitempty"`

	// Entry selects a queue entry (entry).
	Entry int64 `yaml:"entry,omitempty"`

	// Expect holds expected field values, subset match. For call it
	// matches the call fields and, under "payload", payload fields.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// LoadScenario reads and validates a scenario file. Unknown fields are
// errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.CallTimeout != "" {
		if _, err := time.ParseDuration(s.CallTimeout); err != nil {
			return fmt.Errorf("call_timeout: %w", err)
		}
	}

	for t := range s.Gateway.Assign {
		if _, err := model.ParseEntityType(t); err != nil {
			return fmt.Errorf("gateway.assign: %w", err)
		}
	}
	for i, r := range s.Gateway.Responses {
		if len(r.Replies) == 0 {
			return fmt.Errorf("gateway.responses[%d]: replies is required", i)
		}
		for _, reply := range r.Replies {
			if _, err := parseReply(reply); err != nil {
				return fmt.Errorf("gateway.responses[%d]: %w", i, err)
			}
		}
	}

	names := make(map[string]bool)
	for i, step := range s.Steps {
		if err := validateStep(step, names); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
		if step.As != "" {
			names[step.As] = true
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step, names map[string]bool) error {
	if err := checkRefs(step.ID, names); err != nil {
		return err
	}
	for _, v := range step.Fields {
		if s, ok := v.(string); ok {
			if err := checkRefs(s, names); err != nil {
				return err
			}
		}
	}

	switch step.Action {
	case ActionCreateUser, ActionCreateDriver, ActionCreateOrder:
		if step.Fields == nil {
			return fmt.Errorf("%s: fields is required", step.Action)
		}
	case ActionUpdateUser, ActionUpdateDriver, ActionUpdateOrder:
		if step.ID == "" {
			return fmt.Errorf("%s: id is required", step.Action)
		}
	case ActionDelete:
		if step.ID == "" || step.Type == "" {
			return fmt.Errorf("delete: type and id are required")
		}
		if _, err := model.ParseEntityType(step.Type); err != nil {
			return fmt.Errorf("delete: %w", err)
		}
	case ActionSeed:
		if step.Type == "" || step.Fields == nil {
			return fmt.Errorf("seed: type and fields are required")
		}
		if _, err := model.ParseEntityType(step.Type); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
	case ActionDrain:
	case ActionAdvance:
		if _, err := time.ParseDuration(step.Duration); err != nil {
			return fmt.Errorf("advance: duration: %w", err)
		}
	case ActionPurge:
		if step.Duration != "" {
			if _, err := time.ParseDuration(step.Duration); err != nil {
				return fmt.Errorf("purge: duration: %w", err)
			}
		}
	case ActionRetry, ActionInterrupt:
		if step.Entry <= 0 {
			return fmt.Errorf("%s: entry is required", step.Action)
		}
	case "":
		return fmt.Errorf("action is required")
	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
	return nil
}

// checkRefs rejects $name references to entities no earlier step created.
func checkRefs(s string, names map[string]bool) error {
	if name, ok := strings.CutPrefix(s, "$"); ok && !names[name] {
		return fmt.Errorf("reference %s to unknown entity", s)
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertCalls:
		if a.Count == nil && len(a.Sequence) == 0 {
			return fmt.Errorf("calls: count or sequence is required")
		}
	case AssertCall:
		if a.Index < 0 {
			return fmt.Errorf("call: index must be non-negative")
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("call: expect is required")
		}
	case AssertEntity, AssertAbsent:
		if a.Entity == "" || a.ID == "" {
			return fmt.Errorf("%s: entity and id are required", a.Type)
		}
		if _, err := model.ParseEntityType(a.Entity); err != nil {
			return fmt.Errorf("%s: %w", a.Type, err)
		}
		if a.Type == AssertEntity && len(a.Expect) == 0 {
			return fmt.Errorf("entity: expect is required")
		}
	case AssertEntry:
		if a.Entry <= 0 || len(a.Expect) == 0 {
			return fmt.Errorf("entry: entry and expect are required")
		}
	case AssertQueue:
		if len(a.Expect) == 0 {
			return fmt.Errorf("queue: expect is required")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
