package hlc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Base is the radix used for the packed logical counter.
const Base = 36

// CounterWidth is the number of base-36 digits reserved for Count in the packed form.
const CounterWidth = 5

// TSWidth is the number of decimal digits reserved for TS in the packed form.
const TSWidth = 15

// MaxCount is the largest counter representable in CounterWidth base-36 digits.
// 36^5 = 60466176
const MaxCount = 60466176

// DefaultMaxDrift is the tolerated distance between a timestamp and the local wall clock (ms).
const DefaultMaxDrift int64 = 60 * 1000

// ErrMalformed is returned when a packed HLC string cannot be parsed.
var ErrMalformed = errors.New("malformed packed hlc")

// HLC is a hybrid logical timestamp: wall clock milliseconds, a logical
// counter for events within the same millisecond, and the node that produced it.
type HLC struct {
	TS    int64  `msgpack:"ts"`
	Count int64  `msgpack:"c"`
	Node  string `msgpack:"n"`
}

// Diagnostic is the result of Validate. The empty value means the timestamp is healthy.
type Diagnostic string

const (
	DiagnosticNone            Diagnostic = ""
	DiagnosticCounterOverflow Diagnostic = "counter-overflow"
	DiagnosticClockOff        Diagnostic = "clock-off"
)

// Init returns the first timestamp of a node.
func Init(node string, now int64) HLC {
	return HLC{TS: now, Count: 0, Node: node}
}

// Increment produces the timestamp of a new local event.
// When the wall clock moved forward the counter resets, otherwise the counter
// carries the order forward while the wall clock is stalled or went backwards.
func Increment(local HLC, now int64) HLC {
	if now > local.TS {
		return HLC{TS: now, Count: 0, Node: local.Node}
	}
	local.Count++
	return local
}

// Receive merges a remote timestamp so every later local event sorts after it.
// Node identity always comes from local.
func Receive(local, remote HLC, now int64) HLC {
	if now > local.TS && now > remote.TS {
		return HLC{TS: now, Count: 0, Node: local.Node}
	}

	switch {
	case local.TS == remote.TS:
		count := local.Count
		if remote.Count > count {
			count = remote.Count
		}
		return HLC{TS: local.TS, Count: count + 1, Node: local.Node}
	case local.TS > remote.TS:
		return HLC{TS: local.TS, Count: local.Count + 1, Node: local.Node}
	default:
		return HLC{TS: remote.TS, Count: remote.Count + 1, Node: local.Node}
	}
}

// Compare orders two timestamps by TS, then Count, then Node.
// Returns: -1 if a < b, 0 if a == b, 1 if a > b
func Compare(a, b HLC) int {
	if a.TS < b.TS {
		return -1
	}
	if a.TS > b.TS {
		return 1
	}

	if a.Count < b.Count {
		return -1
	}
	if a.Count > b.Count {
		return 1
	}

	return strings.Compare(a.Node, b.Node)
}

// Less returns true if a happened before b
func Less(a, b HLC) bool {
	return Compare(a, b) < 0
}

// After returns true if a happened after b
func After(a, b HLC) bool {
	return Compare(a, b) > 0
}

// Max returns the later of two timestamps.
func Max(a, b HLC) HLC {
	if Compare(a, b) >= 0 {
		return a
	}
	return b
}

// Pack serializes a timestamp into its fixed-width string form.
func Pack(h HLC) string {
	ts := strconv.FormatInt(h.TS, 10)
	count := strconv.FormatInt(h.Count, Base)

	var sb strings.Builder
	sb.Grow(TSWidth + CounterWidth + 2 + len(h.Node))
	for i := len(ts); i < TSWidth; i++ {
		sb.WriteByte('0')
	}
	sb.WriteString(ts)
	sb.WriteByte(':')
	for i := len(count); i < CounterWidth; i++ {
		sb.WriteByte('0')
	}
	sb.WriteString(count)
	sb.WriteByte(':')
	sb.WriteString(h.Node)
	return sb.String()
}

// Unpack parses a packed timestamp. The node may itself contain ':'.
func Unpack(s string) (HLC, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return HLC{}, fmt.Errorf("%w: expected 3 fields in %q", ErrMalformed, s)
	}

	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return HLC{}, fmt.Errorf("%w: ts %q: %v", ErrMalformed, parts[0], err)
	}
	count, err := strconv.ParseInt(parts[1], Base, 64)
	if err != nil {
		return HLC{}, fmt.Errorf("%w: count %q: %v", ErrMalformed, parts[1], err)
	}

	return HLC{TS: ts, Count: count, Node: parts[2]}, nil
}

// String returns the packed form.
func (h HLC) String() string {
	return Pack(h)
}

// IsZero reports whether h was never initialized.
func (h HLC) IsZero() bool {
	return h.TS == 0 && h.Count == 0 && h.Node == ""
}

// PhysicalTime returns the wall clock component as time.Time
func (h HLC) PhysicalTime() time.Time {
	return time.UnixMilli(h.TS)
}

// Validate flags counter exhaustion and wall clock drift. It never mutates
// the clock; callers decide how to remediate.
func Validate(h HLC, now, maxDrift int64) Diagnostic {
	if h.Count > MaxCount {
		return DiagnosticCounterOverflow
	}
	drift := h.TS - now
	if drift < 0 {
		drift = -drift
	}
	if drift > maxDrift {
		return DiagnosticClockOff
	}
	return DiagnosticNone
}

// NowFunc returns the current wall clock in milliseconds.
type NowFunc func() int64

// WallClock is the default NowFunc.
func WallClock() int64 {
	return time.Now().UnixMilli()
}

// Clock is the per-site hybrid logical clock. Each site owns one; there is
// no process-wide clock so many simulated sites can share a process.
type Clock struct {
	mu      sync.Mutex
	current HLC
	now     NowFunc
}

// NewClock creates a clock for node. A nil now uses the wall clock.
func NewClock(node string, now NowFunc) *Clock {
	if now == nil {
		now = WallClock
	}
	return &Clock{
		current: Init(node, now()),
		now:     now,
	}
}

// Now generates a new timestamp for a local event
func (c *Clock) Now() HLC {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = Increment(c.current, c.now())
	return c.current
}

// Update merges a received timestamp and returns the new local time.
func (c *Clock) Update(remote HLC) HLC {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = Receive(c.current, remote, c.now())
	return c.current
}

// Current returns the last issued timestamp without advancing it.
func (c *Clock) Current() HLC {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Node returns the site identifier this clock stamps.
func (c *Clock) Node() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Node
}

// Validate checks the current timestamp against the wall clock.
func (c *Clock) Validate(maxDrift int64) Diagnostic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Validate(c.current, c.now(), maxDrift)
}
