// Package policy wraps a Google Mangle engine answering the runtime's
// legality questions: which verbs exist, which bypass the conscience, and
// which task and cognitive state transitions are permitted. The ruleset is
// embedded so every build carries the same policy.
package policy

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	_ "github.com/google/mangle/packages"
	"github.com/google/mangle/parse"

	"ciris/internal/logging"
	"ciris/internal/types"
)

//go:embed rules.mg
var defaultRules string

// Engine evaluates the embedded policy ruleset. Queries are answered from
// the materialized fact store; evaluation happens once at construction.
type Engine struct {
	mu             sync.RWMutex
	store          factstore.ConcurrentFactStore
	programInfo    *analysis.ProgramInfo
	predicateIndex map[string]ast.PredicateSym
}

// New compiles the embedded ruleset and materializes all derived facts.
func New() (*Engine, error) {
	return NewFromSource(defaultRules)
}

// NewFromSource compiles a caller-supplied ruleset. Used by tests to probe
// gate behavior under altered policies.
func NewFromSource(source string) (*Engine, error) {
	timer := logging.StartTimer(logging.CategoryPolicy, "policy compile")
	defer timer.Stop()

	unit, err := parse.Unit(bytes.NewReader([]byte(source)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy ruleset: %w", err)
	}

	programInfo, err := analysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to analyze policy ruleset: %w", err)
	}

	baseStore := factstore.NewSimpleInMemoryStore()
	store := factstore.NewConcurrentFactStore(baseStore)

	if _, err := mengine.EvalProgramWithStats(programInfo, store); err != nil {
		return nil, fmt.Errorf("failed to evaluate policy ruleset: %w", err)
	}

	index := make(map[string]ast.PredicateSym, len(programInfo.Decls))
	for sym := range programInfo.Decls {
		index[sym.Symbol] = sym
	}

	return &Engine{
		store:          store,
		programInfo:    programInfo,
		predicateIndex: index,
	}, nil
}

// Holds reports whether the ground atom pred(args...) is in the materialized
// store. Arguments are converted to Mangle name constants. Unknown
// predicates are treated as not holding; the gates fail closed.
func (e *Engine) Holds(pred string, args ...string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	sym, ok := e.predicateIndex[pred]
	if !ok || sym.Arity != len(args) {
		return false
	}

	terms := make([]ast.BaseTerm, len(args))
	for i, a := range args {
		name, err := ast.Name(nameConstant(a))
		if err != nil {
			return false
		}
		terms[i] = name
	}

	return e.store.Contains(ast.Atom{Predicate: sym, Args: terms})
}

// Facts returns every materialized fact for the predicate, with name
// constants rendered without the leading slash.
func (e *Engine) Facts(pred string) ([][]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	sym, ok := e.predicateIndex[pred]
	if !ok {
		return nil, fmt.Errorf("predicate %s is not declared in the policy ruleset", pred)
	}

	var rows [][]string
	err := e.store.GetFacts(ast.NewQuery(sym), func(atom ast.Atom) error {
		row := make([]string, len(atom.Args))
		for i, arg := range atom.Args {
			if c, ok := arg.(ast.Constant); ok {
				row[i] = strings.TrimPrefix(c.Symbol, "/")
			} else {
				row[i] = arg.String()
			}
		}
		rows = append(rows, row)
		return nil
	})
	return rows, err
}

// nameConstant lowercases a runtime enum value into Mangle name syntax.
func nameConstant(v string) string {
	s := strings.ToLower(strings.TrimSpace(v))
	if !strings.HasPrefix(s, "/") {
		s = "/" + s
	}
	return s
}

// =============================================================================
// DOMAIN GATES
// =============================================================================

// ValidAction reports whether the verb is one of the declared action verbs.
func (e *Engine) ValidAction(a types.ActionType) bool {
	return e.Holds("action_verb", string(a))
}

// TerminalAction reports whether the verb ends its task's thought lineage.
func (e *Engine) TerminalAction(a types.ActionType) bool {
	return e.Holds("terminal_action", string(a))
}

// ExemptAction reports whether the verb bypasses conscience evaluation.
func (e *Engine) ExemptAction(a types.ActionType) bool {
	return e.Holds("exempt_action", string(a))
}

// PermittedTaskTransition reports whether a task may move from one status to
// another.
func (e *Engine) PermittedTaskTransition(from, to types.TaskStatus) bool {
	return e.Holds("permitted_task_transition", string(from), string(to))
}

// PermittedStateTransition reports whether the cognitive state machine may
// move from one state to another.
func (e *Engine) PermittedStateTransition(from, to types.CognitiveState) bool {
	return e.Holds("permitted_state_transition", string(from), string(to))
}
