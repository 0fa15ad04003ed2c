package txn

import (
	"fmt"
	"strings"
)

// State is the manager-side state of a transaction.
type State int

const (
	// Active is the initial state; participants may join.
	Active State = iota
	// Voting means a prepare round has been started.
	Voting
	// Committed is terminal.
	Committed
	// Aborted is terminal.
	Aborted
)

var stateNames = [...]string{"ACTIVE", "VOTING", "COMMITTED", "ABORTED"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether s is Committed or Aborted.
func (s State) Terminal() bool {
	return s == Committed || s == Aborted
}

// ParseState parses the String form of a State, case-insensitively.
func ParseState(raw string) (State, error) {
	for i, name := range stateNames {
		if strings.EqualFold(raw, name) {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("txn: unknown state %q", raw)
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// CanTransition reports whether from -> to is legal. Self transitions are
// allowed and treated as no-ops by callers.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	switch from {
	case Active:
		return to == Voting || to == Aborted
	case Voting:
		return to == Committed || to == Aborted
	}
	return false
}

// Vote is a participant's recorded position in the protocol.
type Vote int

const (
	// VoteActive means the participant has not been asked yet.
	VoteActive Vote = iota
	VotePrepared
	// VoteNotChanged means the participant has nothing to roll forward or back.
	VoteNotChanged
	VoteCommitted
	VoteAborted
)

var voteNames = [...]string{"ACTIVE", "PREPARED", "NOTCHANGED", "COMMITTED", "ABORTED"}

func (v Vote) String() string {
	if v < 0 || int(v) >= len(voteNames) {
		return fmt.Sprintf("Vote(%d)", int(v))
	}
	return voteNames[v]
}

// ParseVote parses the String form of a Vote, case-insensitively.
func ParseVote(raw string) (Vote, error) {
	for i, name := range voteNames {
		if strings.EqualFold(raw, name) {
			return Vote(i), nil
		}
	}
	return 0, fmt.Errorf("txn: unknown vote %q", raw)
}

// MarshalText implements encoding.TextMarshaler.
func (v Vote) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Vote) UnmarshalText(b []byte) error {
	parsed, err := ParseVote(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
