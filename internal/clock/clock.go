package clock

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// OpID identifies an operation. The pair (Counter, Participant) is unique
// across a scene and totally ordered: counter first, then participant id.
type OpID struct {
	Counter     int64  `json:"counter"`
	Participant string `json:"participant"`
}

// IsZero reports whether the id has not been stamped yet.
func (id OpID) IsZero() bool {
	return id.Counter == 0 && id.Participant == ""
}

// Compare returns -1, 0 or 1 following the total order.
func (id OpID) Compare(other OpID) int {
	switch {
	case id.Counter < other.Counter:
		return -1
	case id.Counter > other.Counter:
		return 1
	}
	return strings.Compare(id.Participant, other.Participant)
}

// Less reports whether id sorts before other.
func (id OpID) Less(other OpID) bool {
	return id.Compare(other) < 0
}

func (id OpID) String() string {
	return strconv.FormatInt(id.Counter, 10) + "@" + id.Participant
}

// ParseOpID parses the "counter@participant" form produced by String.
func ParseOpID(s string) (OpID, error) {
	counter, participant, ok := strings.Cut(s, "@")
	if !ok || participant == "" {
		return OpID{}, fmt.Errorf("malformed op id %q", s)
	}
	n, err := strconv.ParseInt(counter, 10, 64)
	if err != nil {
		return OpID{}, fmt.Errorf("malformed op id %q: %w", s, err)
	}
	if n < 0 {
		return OpID{}, &Error{Counter: n}
	}
	return OpID{Counter: n, Participant: participant}, nil
}

// Error is raised when a counter that can never be produced by a clock
// is presented, e.g. a negative one.
type Error struct {
	Counter int64
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid lamport counter %d", e.Counter)
}

// State is the highest counter observed per participant.
type State map[string]int64

// Clone returns an independent copy.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Max returns the highest counter in the state.
func (s State) Max() int64 {
	var m int64
	for _, v := range s {
		if v > m {
			m = v
		}
	}
	return m
}

// Clock is a Lamport clock that also remembers the highest counter seen
// from every participant. A document keeps one to stamp operations that
// arrive without an id; a client keeps one for its own edits.
type Clock struct {
	mu      sync.Mutex
	counter int64
	seen    State
}

// New creates a clock at zero.
func New() *Clock {
	return &Clock{seen: make(State)}
}

// Restore rebuilds a clock from a persisted state.
func Restore(state State) *Clock {
	c := &Clock{seen: state.Clone()}
	c.counter = c.seen.Max()
	return c
}

// NextID advances the clock and returns a fresh id for participant.
// Successive calls are strictly increasing.
func (c *Clock) NextID(participant string) OpID {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counter++
	if c.counter > c.seen[participant] {
		c.seen[participant] = c.counter
	}
	return OpID{Counter: c.counter, Participant: participant}
}

// Observe folds a remote id into the clock: the local counter becomes
// max(local, remote) + 1. The counter never moves backwards.
func (c *Clock) Observe(id OpID) error {
	if id.Counter < 0 {
		return &Error{Counter: id.Counter}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if id.Counter > c.counter {
		c.counter = id.Counter
	}
	c.counter++
	if id.Counter > c.seen[id.Participant] {
		c.seen[id.Participant] = id.Counter
	}
	return nil
}

// Current returns the counter without advancing it.
func (c *Clock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter
}

// State returns a copy of the per-participant high-water marks.
func (c *Clock) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen.Clone()
}
