package message

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// MessageCounter manages outgoing message counter values. It is safe for
// concurrent use and is the base type embedded by GlobalCounter and
// SessionCounter, which differ only in overflow policy.
type MessageCounter struct {
	value uint32
	mu    sync.Mutex
}

// NewMessageCounter creates a new message counter initialized with a random
// value. Per Spec 4.6.1.1, counters are initialized to random values in
// [1, 2^28].
func NewMessageCounter() *MessageCounter {
	return &MessageCounter{value: randomCounterInit()}
}

// NewMessageCounterWithValue creates a counter with a specific initial
// value, used when restoring a counter a node persisted across a restart.
func NewMessageCounterWithValue(initial uint32) *MessageCounter {
	return &MessageCounter{value: initial}
}

// Next returns the next counter value and increments the internal counter.
// Overflow detection beyond simple wraparound is the caller's
// responsibility for session counters; group counters are allowed to roll
// over per spec.
func (c *MessageCounter) Next() (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.value
	c.value++
	return current, nil
}

// Current returns the current counter value without incrementing it.
func (c *MessageCounter) Current() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Snapshot returns the value a caller should persist to survive a restart
// without reusing counter values the peer has already seen, matching
// matter.CounterState.LocalCounter's on-disk representation.
func (c *MessageCounter) Snapshot() uint32 {
	return c.Current()
}

// randomCounterInit generates a random initial counter value.
// Per spec: Crypto_DRBG(len = 28) + 1, giving range [1, 2^28].
func randomCounterInit() uint32 {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 1
	}
	value := binary.LittleEndian.Uint32(buf[:])
	return (value & (CounterInitMax - 1)) + 1
}

// windowComparator abstracts the arithmetic used to decide whether an
// incoming counter is ahead of, equal to, or behind the current maximum.
// Unicast session counters never roll over (plain uint32 comparison);
// group and unencrypted counters use signed 31-bit arithmetic so a
// rebooted peer's wrapped counter is still recognized as progress.
type windowComparator func(counter, max uint32) (ahead bool, behindBy uint32, equal bool)

func noRolloverCompare(counter, max uint32) (ahead bool, behindBy uint32, equal bool) {
	switch {
	case counter > max:
		return true, 0, false
	case counter == max:
		return false, 0, true
	default:
		return false, max - counter, false
	}
}

func rolloverCompare(counter, max uint32) (ahead bool, behindBy uint32, equal bool) {
	diff := int32(counter - max)
	switch {
	case diff > 0:
		return true, 0, false
	case diff == 0:
		return false, 0, true
	default:
		return false, uint32(-diff), false
	}
}

// ReceptionState implements the sliding-window bitmap replay check used for
// every message counter class (unicast session, group, unencrypted). See
// Spec Section 4.6.5.1 for the algorithm; the three public Check* methods
// below select the comparator appropriate to their counter class and share
// a single windowed-bitmap core, rather than re-implementing the bit
// arithmetic per class.
type ReceptionState struct {
	maxCounter  uint32 // largest valid counter received
	bitmap      uint32 // replay bitmap for the window (maxCounter-32, maxCounter-1]
	initialized bool
	mu          sync.Mutex
}

// NewReceptionState creates a reception state pre-synced to a known peer
// counter, so only counters strictly greater than initialMax are accepted.
func NewReceptionState(initialMax uint32) *ReceptionState {
	return &ReceptionState{maxCounter: initialMax, bitmap: 0xFFFFFFFF, initialized: true}
}

// NewReceptionStateEmpty creates a reception state that accepts whichever
// counter arrives first and initializes the window from it.
func NewReceptionStateEmpty() *ReceptionState {
	return &ReceptionState{}
}

// CheckAndAccept is the combined check-and-update operation for encrypted
// unicast session messages (Spec 4.6.5.2.1) and encrypted group messages
// (Spec 4.6.5.2.2, allowRollover=true). It returns true if the message is
// new and should be processed.
func (r *ReceptionState) CheckAndAccept(counter uint32, allowRollover bool) bool {
	cmp := noRolloverCompare
	if allowRollover {
		cmp = rolloverCompare
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	accept, _ := r.slideAndCheck(counter, cmp, false)
	return accept
}

// CheckUnencrypted applies the more permissive duplicate check Spec
// 4.6.5.3 requires for unencrypted messages: counters behind the window
// are still accepted (the peer may have rebooted and reset its counter)
// rather than rejected outright.
func (r *ReceptionState) CheckUnencrypted(counter uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	accept, _ := r.slideAndCheck(counter, rolloverCompare, true)
	return accept
}

// slideAndCheck is the shared window/bitmap core behind CheckAndAccept and
// CheckUnencrypted. acceptBehindWindow governs what happens once a counter
// falls outside the trailing window: unencrypted messages accept it
// (rebooted peer), everything else rejects it as a duplicate.
func (r *ReceptionState) slideAndCheck(counter uint32, cmp windowComparator, acceptBehindWindow bool) (accept bool, inWindow bool) {
	if !r.initialized {
		r.maxCounter = counter
		r.bitmap = 0
		r.initialized = true
		return true, false
	}

	ahead, behindBy, equal := cmp(counter, r.maxCounter)
	switch {
	case ahead:
		r.advanceWindow(counter)
		return true, false
	case equal:
		return false, true
	case behindBy >= 1 && behindBy <= CounterWindowSize:
		offset := behindBy - 1
		mask := uint32(1) << offset
		if r.bitmap&mask != 0 {
			return false, true
		}
		r.bitmap |= mask
		return true, true
	default:
		return acceptBehindWindow, false
	}
}

// advanceWindow updates maxCounter and shifts the bitmap forward. Called
// only once the caller has established, via the appropriate comparator,
// that newMax is ahead of the current maximum.
func (r *ReceptionState) advanceWindow(newMax uint32) {
	shift := newMax - r.maxCounter
	if shift > CounterWindowSize {
		r.bitmap = 0
	} else {
		// Shift left, then mark the old max's new bit position as received.
		r.bitmap = (r.bitmap << shift) | (1 << (shift - 1))
	}
	r.maxCounter = newMax
}

// MaxCounter returns the current maximum counter value.
func (r *ReceptionState) MaxCounter() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxCounter
}

// Snapshot returns the (peerCounter, initialized) pair a caller should
// persist for matter.CounterState.PeerCounters / GroupCounters so a
// restarted node doesn't re-accept a replayed message from before restart.
func (r *ReceptionState) Snapshot() (peerCounter uint32, initialized bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxCounter, r.initialized
}

// GlobalCounter is a message counter that persists across sessions, used
// for unencrypted and group messages.
type GlobalCounter struct {
	*MessageCounter
}

// NewGlobalCounter creates a new global counter.
func NewGlobalCounter() *GlobalCounter {
	return &GlobalCounter{MessageCounter: NewMessageCounter()}
}

// SessionCounter is a per-session message counter that tracks whether it
// has overflowed, which invalidates the owning session.
type SessionCounter struct {
	*MessageCounter
	exhausted bool
}

// NewSessionCounter creates a new session counter.
func NewSessionCounter() *SessionCounter {
	return &SessionCounter{MessageCounter: NewMessageCounter()}
}

// NewSessionCounterWithValue creates a session counter starting from a
// specific value, used when restoring one from matter.CounterState.
func NewSessionCounterWithValue(initial uint32) *SessionCounter {
	return &SessionCounter{MessageCounter: NewMessageCounterWithValue(initial)}
}

// Next returns the next counter value, or ErrCounterExhausted once the
// counter has wrapped and the owning session must be re-established.
func (c *SessionCounter) Next() (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.exhausted {
		return 0, ErrCounterExhausted
	}

	current := c.value
	c.value++
	if c.value == 0 {
		c.exhausted = true
	}
	return current, nil
}

// IsExhausted returns true if the counter has wrapped.
func (c *SessionCounter) IsExhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exhausted
}
