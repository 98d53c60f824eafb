package dispatch

import "fmt"

// State is the dispatcher lifecycle position.
type State int32

const (
	StateConnecting State = iota
	StateMapping
	StateStreaming
	StateStopped
	StateFailed
)

var stateNames = [...]string{"CONNECTING", "MAPPING", "STREAMING", "STOPPED", "FAILED"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int32(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool { return s == StateStopped || s == StateFailed }

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if string(b) == name {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}
