package moderation

import (
	"fmt"
)

// Moderation state of a comment. The string values are persisted verbatim.
type State string

const (
	StateSubmitted     State = "submitted"
	StatePotentialSpam State = "potential_spam"
	StateSpam          State = "spam"
	StateHam           State = "ham"
	StatePublished     State = "published"
	StatePublishedHam  State = "published_ham"
)

var AllStates = []State{
	StateSubmitted,
	StatePotentialSpam,
	StateSpam,
	StateHam,
	StatePublished,
	StatePublishedHam,
}

func (s State) Valid() bool {
	for _, st := range AllStates {
		if s == st {
			return true
		}
	}
	return false
}

func (s State) String() string {
	return string(s)
}

// Name of a guarded state change.
type Transition string

const (
	TransitionAccept      Transition = "accept"
	TransitionMightBeSpam Transition = "might_be_spam"
	TransitionRejectSpam  Transition = "reject_spam"
	TransitionPublish     Transition = "publish"
	TransitionPublishHam  Transition = "publish_ham"
	TransitionOptimize    Transition = "optimize"
)

var AllTransitions = []Transition{
	TransitionAccept,
	TransitionMightBeSpam,
	TransitionRejectSpam,
	TransitionPublish,
	TransitionPublishHam,
	TransitionOptimize,
}

func (t Transition) String() string {
	return string(t)
}

// Returned when a transition is fired from a state it does not accept.
type IllegalTransitionError struct {
	From       State
	Transition Transition
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %q from state %q", e.Transition, e.From)
}

// Machine is an immutable transition table: for each transition, the target
// state reached from each accepted source state.
type Machine struct {
	table map[Transition]map[State]State
}

var DefaultMachine = mustMachine(map[Transition]map[State]State{
	TransitionAccept:      {StateSubmitted: StateHam},
	TransitionMightBeSpam: {StateSubmitted: StatePotentialSpam},
	TransitionRejectSpam:  {StateSubmitted: StateSpam},
	TransitionPublish:     {StateHam: StatePublished},
	TransitionPublishHam:  {StatePotentialSpam: StatePublishedHam},
	TransitionOptimize: {
		StatePublished:    StatePublished,
		StatePublishedHam: StatePublishedHam,
	},
})

func NewMachine(table map[Transition]map[State]State) (*Machine, error) {
	m := &Machine{table: make(map[Transition]map[State]State, len(table))}
	for t, rows := range table {
		if t == "" {
			return nil, fmt.Errorf("empty transition name")
		}
		if len(rows) == 0 {
			return nil, fmt.Errorf("transition %q has no source states", t)
		}
		cp := make(map[State]State, len(rows))
		for from, to := range rows {
			if !from.Valid() {
				return nil, fmt.Errorf("transition %q: unknown source state %q", t, from)
			}
			if !to.Valid() {
				return nil, fmt.Errorf("transition %q: unknown target state %q", t, to)
			}
			cp[from] = to
		}
		m.table[t] = cp
	}
	for _, t := range AllTransitions {
		if _, ok := m.table[t]; !ok {
			return nil, fmt.Errorf("transition %q missing from table", t)
		}
	}
	return m, nil
}

func mustMachine(table map[Transition]map[State]State) *Machine {
	m, err := NewMachine(table)
	if err != nil {
		panic(fmt.Sprintf("invalid moderation state machine: %s", err))
	}
	return m
}

func (m *Machine) CanFire(from State, t Transition) bool {
	rows, ok := m.table[t]
	if !ok {
		return false
	}
	_, ok = rows[from]
	return ok
}

func (m *Machine) Apply(from State, t Transition) (State, error) {
	rows, ok := m.table[t]
	if !ok {
		return from, &IllegalTransitionError{From: from, Transition: t}
	}
	to, ok := rows[from]
	if !ok {
		return from, &IllegalTransitionError{From: from, Transition: t}
	}
	return to, nil
}

// Lists the transitions which may fire from the given state, in table order.
func (m *Machine) Enabled(from State) []Transition {
	out := []Transition{}
	for _, t := range AllTransitions {
		if m.CanFire(from, t) {
			out = append(out, t)
		}
	}
	return out
}

// No transition out of spam; published_ham only has the optimize self-loop.
func IsTerminal(s State) bool {
	return s == StateSpam || s == StatePublishedHam
}

// Maps a spam score to the transition it triggers.
func TransitionForScore(score int) (Transition, error) {
	switch score {
	case ScoreHam:
		return TransitionAccept, nil
	case ScoreMaybeSpam:
		return TransitionMightBeSpam, nil
	case ScoreSpam:
		return TransitionRejectSpam, nil
	default:
		return "", fmt.Errorf("spam score out of range: %d", score)
	}
}
