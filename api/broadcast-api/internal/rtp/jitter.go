package internal_rtp

import (
	"sync"
	"time"

	"github.com/pion/rtp"
)

// JitterBufferConfig bounds one per-call reordering buffer.
type JitterBufferConfig struct {
	// TargetDepth is the number of buffered packets required before the
	// first Pop produces output. Adjustable at runtime via AdjustTarget.
	TargetDepth int
	// MaxDepth caps the buffer; the oldest packet is evicted above it.
	MaxDepth int
	// FrameInterval is the expected packet spacing (20 ms for telephony).
	FrameInterval time.Duration
	// LossTimeout is how long the expected next packet may stay outstanding
	// before the buffer declares it lost and advances past it.
	LossTimeout time.Duration
}

func (c *JitterBufferConfig) applyDefaults() {
	if c.TargetDepth <= 0 {
		c.TargetDepth = 3
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 50
	}
	if c.FrameInterval <= 0 {
		c.FrameInterval = 20 * time.Millisecond
	}
	if c.LossTimeout <= 0 {
		c.LossTimeout = 60 * time.Millisecond
	}
}

// JitterBufferStatistics is a point-in-time snapshot of buffer health.
type JitterBufferStatistics struct {
	Depth           int
	TargetDepth     int
	PacketsReceived uint64
	Duplicates      uint64
	Late            uint64
	Lost            uint64
	Evicted         uint64
	// Jitter is the smoothed inter-arrival deviation from FrameInterval.
	Jitter time.Duration
}

type jitterEntry struct {
	packet  *rtp.Packet
	arrival time.Time
}

// JitterBuffer reorders one call's RTP stream by sequence number, trading
// strict ordering for bounded latency: a packet outstanding past LossTimeout
// is skipped rather than waited for.
type JitterBuffer struct {
	mu      sync.Mutex
	config  JitterBufferConfig
	entries map[uint16]*jitterEntry

	primed     bool
	lastPlayed uint16

	// waitingSince marks when the currently-expected packet first went
	// missing; zero when not waiting.
	waitingSince time.Time

	received   uint64
	duplicates uint64
	late       uint64
	lost       uint64
	evicted    uint64

	jitter      time.Duration
	lastArrival time.Time

	now func() time.Time // injectable clock for tests
}

// NewJitterBuffer creates a buffer with the given bounds.
func NewJitterBuffer(config JitterBufferConfig) *JitterBuffer {
	config.applyDefaults()
	return &JitterBuffer{
		config:  config,
		entries: make(map[uint16]*jitterEntry),
		now:     time.Now,
	}
}

// seqLess reports whether a precedes b in 16-bit signed sequence order.
func seqLess(a, b uint16) bool {
	return int16(a-b) < 0
}

// Push inserts a packet. Exact-duplicate sequence numbers are counted and
// discarded without changing buffer depth. Above MaxDepth the oldest packet
// is evicted to keep latency bounded.
func (jb *JitterBuffer) Push(pkt *rtp.Packet) {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	now := jb.now()
	jb.trackJitter(now)

	seq := pkt.SequenceNumber
	if _, ok := jb.entries[seq]; ok {
		jb.duplicates++
		return
	}
	if jb.primed && !seqLess(jb.lastPlayed, seq) {
		// Arrived after its slot was already played or skipped.
		jb.late++
		return
	}

	jb.received++
	jb.entries[seq] = &jitterEntry{packet: pkt, arrival: now}

	if len(jb.entries) > jb.config.MaxDepth {
		oldest, ok := jb.oldestSeq()
		if ok {
			delete(jb.entries, oldest)
			jb.evicted++
			if jb.primed && seqLess(jb.lastPlayed, oldest) {
				// Playback can never go back past the eviction point.
				jb.lastPlayed = oldest
			}
		}
	}
}

// trackJitter updates the smoothed deviation of packet inter-arrival time
// from the expected frame interval (1/16 gain, RFC 3550 style).
func (jb *JitterBuffer) trackJitter(now time.Time) {
	if !jb.lastArrival.IsZero() {
		deviation := now.Sub(jb.lastArrival) - jb.config.FrameInterval
		if deviation < 0 {
			deviation = -deviation
		}
		jb.jitter += (deviation - jb.jitter) / 16
	}
	jb.lastArrival = now
}

// Pop returns the next in-sequence packet, or (nil, false) when the buffer is
// still priming or the expected packet has not timed out yet.
func (jb *JitterBuffer) Pop() (*rtp.Packet, bool) {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return jb.popLocked()
}

func (jb *JitterBuffer) popLocked() (*rtp.Packet, bool) {
	if !jb.primed {
		if len(jb.entries) < jb.config.TargetDepth {
			return nil, false
		}
		oldest, ok := jb.oldestSeq()
		if !ok {
			return nil, false
		}
		jb.primed = true
		jb.lastPlayed = oldest - 1
	}

	for {
		expected := jb.lastPlayed + 1
		if entry, ok := jb.entries[expected]; ok {
			delete(jb.entries, expected)
			jb.lastPlayed = expected
			jb.waitingSince = time.Time{}
			return entry.packet, true
		}

		if len(jb.entries) == 0 {
			jb.waitingSince = time.Time{}
			return nil, false
		}

		now := jb.now()
		if jb.waitingSince.IsZero() {
			jb.waitingSince = now
			return nil, false
		}
		if now.Sub(jb.waitingSince) < jb.config.LossTimeout {
			return nil, false
		}

		// Expected packet is declared lost; advance to the next buffered
		// sequence and return that instead.
		jb.lost++
		jb.waitingSince = time.Time{}
		next, ok := jb.oldestSeq()
		if !ok {
			return nil, false
		}
		jb.lastPlayed = next - 1
	}
}

// oldestSeq returns the lowest buffered sequence number in signed order.
func (jb *JitterBuffer) oldestSeq() (uint16, bool) {
	var oldest uint16
	found := false
	for seq := range jb.entries {
		if !found || seqLess(seq, oldest) {
			oldest = seq
			found = true
		}
	}
	return oldest, found
}

// AdjustTarget moves the target depth up or down one packet in response to
// observed network conditions, clamped to [1, MaxDepth].
func (jb *JitterBuffer) AdjustTarget(delta int) {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	target := jb.config.TargetDepth + delta
	if target < 1 {
		target = 1
	}
	if target > jb.config.MaxDepth {
		target = jb.config.MaxDepth
	}
	jb.config.TargetDepth = target
}

// Flush drains and returns all buffered packets in sequence order,
// ignoring priming and loss timeouts.
func (jb *JitterBuffer) Flush() []*rtp.Packet {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	out := make([]*rtp.Packet, 0, len(jb.entries))
	for len(jb.entries) > 0 {
		seq, _ := jb.oldestSeq()
		out = append(out, jb.entries[seq].packet)
		delete(jb.entries, seq)
		jb.lastPlayed = seq
	}
	jb.waitingSince = time.Time{}
	return out
}

// Clear resets all sequencing state for a stream restart (e.g. after a room
// move). Counters survive; ordering state does not.
func (jb *JitterBuffer) Clear() {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	jb.entries = make(map[uint16]*jitterEntry)
	jb.primed = false
	jb.lastPlayed = 0
	jb.waitingSince = time.Time{}
	jb.lastArrival = time.Time{}
}

// Statistics returns a snapshot of buffer health.
func (jb *JitterBuffer) Statistics() JitterBufferStatistics {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return JitterBufferStatistics{
		Depth:           len(jb.entries),
		TargetDepth:     jb.config.TargetDepth,
		PacketsReceived: jb.received,
		Duplicates:      jb.duplicates,
		Late:            jb.late,
		Lost:            jb.lost,
		Evicted:         jb.evicted,
		Jitter:          jb.jitter,
	}
}
