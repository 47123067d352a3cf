package runtime

import (
	"fmt"
	"sync"

	"ciris/internal/audit"
	"ciris/internal/logging"
	"ciris/internal/policy"
	"ciris/internal/types"
)

// StateMachine tracks the cognitive state. Transitions are checked against
// the policy ruleset and every accepted transition lands in the audit chain.
type StateMachine struct {
	mu     sync.RWMutex
	state  types.CognitiveState
	rules  *policy.Engine
	audit  *audit.Log
	guards []func(from, to types.CognitiveState) error
}

func NewStateMachine(rules *policy.Engine, auditLog *audit.Log) *StateMachine {
	return &StateMachine{state: types.StateWakeup, rules: rules, audit: auditLog}
}

// AddGuard installs an extra veto that runs after the policy check. Guards
// let the runtime refuse otherwise-legal transitions, like dreaming while
// tasks are active.
func (s *StateMachine) AddGuard(guard func(from, to types.CognitiveState) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guards = append(s.guards, guard)
}

func (s *StateMachine) Current() types.CognitiveState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// TransitionTo moves to a new state if the ruleset and every guard permit.
func (s *StateMachine) TransitionTo(to types.CognitiveState, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.state
	if from == to {
		return nil
	}
	if !s.rules.PermittedStateTransition(from, to) {
		return fmt.Errorf("illegal state transition %s -> %s", from, to)
	}
	for _, guard := range s.guards {
		if err := guard(from, to); err != nil {
			return fmt.Errorf("transition %s -> %s vetoed: %w", from, to, err)
		}
	}

	s.state = to
	logging.State("%s -> %s: %s", from, to, reason)
	if s.audit != nil {
		if _, err := s.audit.Append("state_transition", map[string]string{
			"from": string(from), "to": string(to), "reason": reason,
		}); err != nil {
			logging.State("audit append failed for %s -> %s: %v", from, to, err)
		}
	}
	return nil
}
