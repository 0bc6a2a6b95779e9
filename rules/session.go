package rules

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"google.golang.org/protobuf/types/known/structpb"
)

// KnowledgeBase is a compiled rule set. It is immutable and safe for
// concurrent use; all per-call state lives in the sessions it creates.
type KnowledgeBase interface {
	// Name is the declared rule set name
	Name() string
	// Version is the declared version, empty when the content has none
	Version() string
	// Rules lists rule names in declaration order
	Rules() []string
	// NewSession creates a fresh, isolated evaluation context
	NewSession(ruleSetID string) Session
}

// Session is an isolated evaluation context for a single execution call.
// Sessions are never reused; Dispose must be called on every exit path.
type Session interface {
	Insert(name string, value any) error
	// FireAll runs rule evaluation to completion and returns the number of rules fired
	FireAll() (int, error)
	Result() (*Result, error)
	Dispose()
}

type compiledAction struct {
	target string
	value  cel.Program
}

type compiledRule struct {
	name       string
	condition  cel.Program
	references []string // top-level variables read by condition
	actions    []compiledAction
}

type celKnowledgeBase struct {
	name    string
	version string
	rules   []*compiledRule
}

func (kb *celKnowledgeBase) Name() string    { return kb.name }
func (kb *celKnowledgeBase) Version() string { return kb.version }

func (kb *celKnowledgeBase) Rules() []string {
	names := make([]string, len(kb.rules))
	for i, r := range kb.rules {
		names[i] = r.name
	}
	return names
}

func (kb *celKnowledgeBase) NewSession(ruleSetID string) Session {
	return &celSession{
		kb:        kb,
		ruleSetID: ruleSetID,
		memory:    make(map[string]any),
		outputs:   make(map[string]any),
	}
}

// celSession holds working memory for one call: inserted facts plus the
// values assigned by fired rules
type celSession struct {
	kb        *celKnowledgeBase
	ruleSetID string
	memory    map[string]any
	outputs   map[string]any
	fired     []string
	disposed  bool
}

func (s *celSession) Insert(name string, value any) error {
	if s.disposed {
		return ErrSessionDisposed
	}
	s.memory[name] = value
	return nil
}

// FireAll runs the agenda: passes over the rules in declaration order until a
// pass fires nothing. Each rule fires at most once per session.
func (s *celSession) FireAll() (int, error) {
	if s.disposed {
		return 0, ErrSessionDisposed
	}

	done := make([]bool, len(s.kb.rules))
	count := 0
	for {
		progressed := false
		for i, r := range s.kb.rules {
			if done[i] {
				continue
			}

			matched, err := s.matches(r)
			if err != nil {
				return count, &ExecutionError{RuleSetID: s.ruleSetID, Rule: r.name, Err: err}
			}
			if !matched {
				continue
			}

			if err := s.fire(r); err != nil {
				return count, &ExecutionError{RuleSetID: s.ruleSetID, Rule: r.name, Err: err}
			}
			done[i] = true
			s.fired = append(s.fired, r.name)
			count++
			progressed = true
		}
		if !progressed {
			return count, nil
		}
	}
}

func (s *celSession) matches(r *compiledRule) (bool, error) {
	var unknowns []*cel.AttributePatternType
	for _, name := range r.references {
		if _, ok := s.memory[name]; !ok {
			unknowns = append(unknowns, cel.AttributePattern(name))
		}
	}

	var input any = s.memory
	if len(unknowns) > 0 {
		act, err := cel.PartialVars(s.memory, unknowns...)
		if err != nil {
			return false, err
		}
		input = act
	}

	out, _, err := r.condition.Eval(input)
	if err != nil {
		if isMissingKey(err) {
			return false, nil
		}
		return false, err
	}

	// A condition that depends on an absent fact does not match
	if types.IsUnknown(out) {
		return false, nil
	}

	// Non-boolean conditions never match
	matched, ok := out.Value().(bool)
	return ok && matched, nil
}

func (s *celSession) fire(r *compiledRule) error {
	for _, a := range r.actions {
		out, _, err := a.value.Eval(s.memory)
		if err != nil {
			return fmt.Errorf("action %s: %w", a.target, err)
		}
		v, err := nativeValue(out)
		if err != nil {
			return fmt.Errorf("action %s: %w", a.target, err)
		}
		s.memory[a.target] = v
		s.outputs[a.target] = v
	}
	return nil
}

func (s *celSession) Result() (*Result, error) {
	if s.disposed {
		return nil, ErrSessionDisposed
	}
	res := &Result{
		RuleSetID: s.ruleSetID,
		Outputs:   s.outputs,
		Fired:     s.fired,
	}
	return res.clone(), nil
}

func (s *celSession) Dispose() {
	s.disposed = true
	s.memory = nil
	s.outputs = nil
	s.fired = nil
}

// isMissingKey reports evaluation errors caused by selecting a key that a
// supplied fact does not have. cel-go exposes no typed error for this.
func isMissingKey(err error) bool {
	return strings.Contains(err.Error(), "no such key")
}

var structValueType = reflect.TypeOf(&structpb.Value{})

// nativeValue converts a CEL value to the plain Go value stored in outputs
func nativeValue(val ref.Val) (any, error) {
	switch v := val.(type) {
	case types.Bool:
		return bool(v), nil
	case types.Int:
		return int64(v), nil
	case types.Uint:
		return uint64(v), nil
	case types.Double:
		return float64(v), nil
	case types.String:
		return string(v), nil
	case types.Bytes:
		return []byte(v), nil
	case types.Null:
		return nil, nil
	case types.Timestamp:
		return v.Time, nil
	case types.Duration:
		return v.Duration, nil
	}

	if types.IsError(val) {
		return nil, fmt.Errorf("%v", val)
	}

	native, err := val.ConvertToNative(structValueType)
	if err != nil {
		return nil, fmt.Errorf("unsupported result type %s: %w", val.Type(), err)
	}
	pb, ok := native.(*structpb.Value)
	if !ok {
		return nil, fmt.Errorf("unsupported result type %s", val.Type())
	}
	return pb.AsInterface(), nil
}
