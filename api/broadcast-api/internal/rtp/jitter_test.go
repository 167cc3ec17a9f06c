package internal_rtp

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pkt(seq uint16) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: seq, Timestamp: uint32(seq) * 160}}
}

// fakeClock drives the buffer's injectable clock.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }
func (c *fakeClock) read() time.Time         { return c.now }

func newTestBuffer(cfg JitterBufferConfig) (*JitterBuffer, *fakeClock) {
	jb := NewJitterBuffer(cfg)
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	jb.now = clock.read
	return jb, clock
}

func TestJitterBuffer_ReordersOutOfOrderPackets(t *testing.T) {
	jb, _ := newTestBuffer(JitterBufferConfig{TargetDepth: 3, MaxDepth: 10})

	jb.Push(pkt(5))
	jb.Push(pkt(3))
	jb.Push(pkt(4))

	var got []uint16
	for i := 0; i < 3; i++ {
		p, ok := jb.Pop()
		require.True(t, ok, "pop %d should produce a packet", i)
		got = append(got, p.SequenceNumber)
	}
	assert.Equal(t, []uint16{3, 4, 5}, got)

	_, ok := jb.Pop()
	assert.False(t, ok, "buffer should be empty")
}

func TestJitterBuffer_WithholdsUntilTargetDepth(t *testing.T) {
	jb, _ := newTestBuffer(JitterBufferConfig{TargetDepth: 3, MaxDepth: 10})

	jb.Push(pkt(1))
	_, ok := jb.Pop()
	assert.False(t, ok, "must withhold below target depth")

	jb.Push(pkt(2))
	_, ok = jb.Pop()
	assert.False(t, ok)

	jb.Push(pkt(3))
	p, ok := jb.Pop()
	require.True(t, ok, "target depth reached, playout starts")
	assert.Equal(t, uint16(1), p.SequenceNumber)

	// Once primed, pops no longer wait for depth.
	p, ok = jb.Pop()
	require.True(t, ok)
	assert.Equal(t, uint16(2), p.SequenceNumber)
}

func TestJitterBuffer_DuplicateCountedNotBuffered(t *testing.T) {
	jb, _ := newTestBuffer(JitterBufferConfig{TargetDepth: 1, MaxDepth: 10})

	jb.Push(pkt(3))
	jb.Push(pkt(3))
	jb.Push(pkt(3))

	stats := jb.Statistics()
	assert.Equal(t, uint64(2), stats.Duplicates)
	assert.Equal(t, 1, stats.Depth, "duplicates must not change buffer depth")
	assert.Equal(t, uint64(1), stats.PacketsReceived)
}

func TestJitterBuffer_LossTimeoutSkipsMissingPacket(t *testing.T) {
	jb, clock := newTestBuffer(JitterBufferConfig{
		TargetDepth: 1,
		MaxDepth:    10,
		LossTimeout: 50 * time.Millisecond,
	})

	jb.Push(pkt(3))
	p, ok := jb.Pop()
	require.True(t, ok)
	require.Equal(t, uint16(3), p.SequenceNumber)

	// Sequence 4 never arrives; 5 does.
	jb.Push(pkt(5))

	_, ok = jb.Pop()
	assert.False(t, ok, "expected packet still within loss timeout")

	clock.advance(60 * time.Millisecond)
	p, ok = jb.Pop()
	require.True(t, ok, "missing packet must be declared lost after the timeout")
	assert.Equal(t, uint16(5), p.SequenceNumber)
	assert.Equal(t, uint64(1), jb.Statistics().Lost)

	// A late arrival of the skipped packet is dropped, not replayed.
	jb.Push(pkt(4))
	_, ok = jb.Pop()
	assert.False(t, ok)
	assert.Equal(t, uint64(1), jb.Statistics().Late)
}

func TestJitterBuffer_SequenceWraparound(t *testing.T) {
	jb, _ := newTestBuffer(JitterBufferConfig{TargetDepth: 4, MaxDepth: 10})

	jb.Push(pkt(0))
	jb.Push(pkt(65535))
	jb.Push(pkt(65534))
	jb.Push(pkt(1))

	var got []uint16
	for i := 0; i < 4; i++ {
		p, ok := jb.Pop()
		require.True(t, ok)
		got = append(got, p.SequenceNumber)
	}
	assert.Equal(t, []uint16{65534, 65535, 0, 1}, got)
}

func TestJitterBuffer_EvictsOldestAboveMaxDepth(t *testing.T) {
	jb, _ := newTestBuffer(JitterBufferConfig{TargetDepth: 1, MaxDepth: 3})

	for seq := uint16(1); seq <= 5; seq++ {
		jb.Push(pkt(seq))
	}

	stats := jb.Statistics()
	assert.Equal(t, 3, stats.Depth)
	assert.Equal(t, uint64(2), stats.Evicted)

	// The survivors are the newest three.
	p, ok := jb.Pop()
	require.True(t, ok)
	assert.Equal(t, uint16(3), p.SequenceNumber)
}

func TestJitterBuffer_FlushDrainsInOrder(t *testing.T) {
	jb, _ := newTestBuffer(JitterBufferConfig{TargetDepth: 5, MaxDepth: 10})

	jb.Push(pkt(9))
	jb.Push(pkt(7))
	jb.Push(pkt(8))

	flushed := jb.Flush()
	require.Len(t, flushed, 3)
	assert.Equal(t, uint16(7), flushed[0].SequenceNumber)
	assert.Equal(t, uint16(8), flushed[1].SequenceNumber)
	assert.Equal(t, uint16(9), flushed[2].SequenceNumber)
	assert.Equal(t, 0, jb.Statistics().Depth)
}

func TestJitterBuffer_ClearResetsSequencing(t *testing.T) {
	jb, _ := newTestBuffer(JitterBufferConfig{TargetDepth: 1, MaxDepth: 10})

	jb.Push(pkt(100))
	p, ok := jb.Pop()
	require.True(t, ok)
	require.Equal(t, uint16(100), p.SequenceNumber)

	// Stream restart: a new source starts far below the old sequence.
	jb.Clear()
	jb.Push(pkt(5))
	p, ok = jb.Pop()
	require.True(t, ok, "post-clear stream must play regardless of old sequencing")
	assert.Equal(t, uint16(5), p.SequenceNumber)
}

func TestJitterBuffer_AdjustTargetClamps(t *testing.T) {
	jb, _ := newTestBuffer(JitterBufferConfig{TargetDepth: 3, MaxDepth: 5})

	jb.AdjustTarget(-10)
	assert.Equal(t, 1, jb.Statistics().TargetDepth)

	jb.AdjustTarget(+10)
	assert.Equal(t, 5, jb.Statistics().TargetDepth)

	jb.AdjustTarget(-1)
	assert.Equal(t, 4, jb.Statistics().TargetDepth)
}

func TestJitterBuffer_TracksInterArrivalJitter(t *testing.T) {
	jb, clock := newTestBuffer(JitterBufferConfig{
		TargetDepth:   1,
		MaxDepth:      10,
		FrameInterval: 20 * time.Millisecond,
	})

	jb.Push(pkt(1))
	clock.advance(40 * time.Millisecond) // 20ms over the expected interval
	jb.Push(pkt(2))

	assert.Greater(t, jb.Statistics().Jitter, time.Duration(0))
}
