package internal_bridge

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_rtp "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/rtp"
	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/pkg/commons"
)

// fakePublisher records frames per room so tests can follow a stream across
// moves.
type fakePublisher struct {
	room   string
	frames int
	closed bool
	err    error
}

func (f *fakePublisher) WriteFrame(frame []byte) error {
	if f.err != nil {
		return f.err
	}
	f.frames++
	return nil
}

func (f *fakePublisher) Close(ctx context.Context) error {
	f.closed = true
	return nil
}

type fakeFactory struct {
	publishers []*fakePublisher
	err        error
}

func (f *fakeFactory) create(ctx context.Context, streamID, room string) (FramePublisher, error) {
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePublisher{room: room}
	f.publishers = append(f.publishers, p)
	return p, nil
}

func newTestManager(t *testing.T) (*Manager, *fakeFactory) {
	t.Helper()
	factory := &fakeFactory{}
	logger, _ := commons.NewApplicationLogger()
	manager := NewManager(factory.create, internal_rtp.JitterBufferConfig{
		TargetDepth: 1,
		MaxDepth:    10,
	}, logger)
	return manager, factory
}

func silenceFrame() []byte {
	frame := make([]byte, telephonyFrameSize)
	for i := range frame {
		frame[i] = 0xFF // µ-law silence
	}
	return frame
}

func TestAttachStream_DuplicateFails(t *testing.T) {
	manager, factory := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, manager.AttachStream(ctx, "MZ1", 7, "lobby-10"))
	assert.Error(t, manager.AttachStream(ctx, "MZ1", 7, "lobby-10"))
	assert.Equal(t, 1, manager.ActiveStreams())
	assert.Len(t, factory.publishers, 2, "second attach creates and discards a publisher")
	assert.True(t, factory.publishers[1].closed)
}

func TestAttachStream_FactoryFailurePropagates(t *testing.T) {
	manager, factory := newTestManager(t)
	factory.err = errors.New("gateway down")

	err := manager.AttachStream(context.Background(), "MZ1", 7, "lobby-10")
	assert.Error(t, err)
	assert.Equal(t, 0, manager.ActiveStreams())
}

func TestPushFrame_ForwardsTranscodedFrames(t *testing.T) {
	manager, factory := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, manager.AttachStream(ctx, "MZ1", 7, "lobby-10"))

	for i := 0; i < 5; i++ {
		require.NoError(t, manager.PushFrame("MZ1", silenceFrame()))
	}

	assert.Equal(t, 5, factory.publishers[0].frames)
	stats, ok := manager.Stats("MZ1")
	require.True(t, ok)
	assert.Equal(t, uint64(5), stats.FramesUp)
	assert.Equal(t, uint64(5), stats.Jitter.PacketsReceived)
}

func TestPushFrame_UnknownStreamFails(t *testing.T) {
	manager, _ := newTestManager(t)
	assert.Error(t, manager.PushFrame("MZ9", silenceFrame()))
}

func TestSetForwarding_DropsFramesWhileMuted(t *testing.T) {
	manager, factory := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, manager.AttachStream(ctx, "MZ1", 7, "lobby-10"))

	require.NoError(t, manager.SetForwarding(ctx, "MZ1", false))
	require.NoError(t, manager.PushFrame("MZ1", silenceFrame()))
	require.NoError(t, manager.PushFrame("MZ1", silenceFrame()))
	assert.Equal(t, 0, factory.publishers[0].frames, "muted stream must not reach the room")

	require.NoError(t, manager.SetForwarding(ctx, "MZ1", true))
	require.NoError(t, manager.PushFrame("MZ1", silenceFrame()))
	assert.Equal(t, 1, factory.publishers[0].frames)

	stats, _ := manager.Stats("MZ1")
	assert.Equal(t, uint64(3), stats.Jitter.PacketsReceived,
		"muted frames still run through the jitter buffer")
}

func TestMoveStream_SwapsPublisherAndClearsBuffer(t *testing.T) {
	manager, factory := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, manager.AttachStream(ctx, "MZ1", 7, "lobby-10"))
	require.NoError(t, manager.PushFrame("MZ1", silenceFrame()))

	require.NoError(t, manager.MoveStream(ctx, "MZ1", "live-10", true))

	require.Len(t, factory.publishers, 2)
	assert.True(t, factory.publishers[0].closed, "old publisher must be torn down")
	assert.Equal(t, "live-10", factory.publishers[1].room)

	stats, _ := manager.Stats("MZ1")
	assert.Equal(t, "live-10", stats.Room)
	assert.False(t, stats.Forwarding, "move with muted=true lands silent")
	assert.Equal(t, 0, stats.Jitter.Depth)
}

func TestMoveStream_FailedJoinKeepsOldPublisher(t *testing.T) {
	manager, factory := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, manager.AttachStream(ctx, "MZ1", 7, "lobby-10"))

	factory.err = errors.New("room full")
	assert.Error(t, manager.MoveStream(ctx, "MZ1", "live-10", false))

	stats, _ := manager.Stats("MZ1")
	assert.Equal(t, "lobby-10", stats.Room)
	assert.False(t, factory.publishers[0].closed)
}

func TestDeliverRoomFrame_ReachesDownlinkSink(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, manager.AttachStream(ctx, "MZ1", 7, "live-10"))

	// Produce a real room-side frame by running a telephony frame uplink.
	transcoder, err := NewTranscoder()
	require.NoError(t, err)
	opusFrame, err := transcoder.UplinkFrame(silenceFrame())
	require.NoError(t, err)

	// Without a sink delivery is a silent no-op.
	require.NoError(t, manager.DeliverRoomFrame("MZ1", opusFrame))

	var delivered [][]byte
	require.NoError(t, manager.SetDownlink("MZ1", func(ulaw []byte) {
		delivered = append(delivered, ulaw)
	}))
	require.NoError(t, manager.DeliverRoomFrame("MZ1", opusFrame))

	require.Len(t, delivered, 1)
	assert.Len(t, delivered[0], telephonyFrameSize)
	stats, _ := manager.Stats("MZ1")
	assert.Equal(t, uint64(1), stats.FramesDown)
}

func TestDetachStream_FlushesAndIdempotent(t *testing.T) {
	manager, factory := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, manager.AttachStream(ctx, "MZ1", 7, "live-10"))

	// Park frames in the buffer without draining them.
	manager.streams["MZ1"].buffer.AdjustTarget(+5)
	require.NoError(t, manager.PushFrame("MZ1", silenceFrame()))
	require.NoError(t, manager.PushFrame("MZ1", silenceFrame()))
	require.Equal(t, 0, factory.publishers[0].frames)

	require.NoError(t, manager.DetachStream(ctx, "MZ1"))
	assert.Equal(t, 2, factory.publishers[0].frames, "buffered audio must flush on detach")
	assert.True(t, factory.publishers[0].closed)
	assert.Equal(t, 0, manager.ActiveStreams())

	assert.NoError(t, manager.DetachStream(ctx, "MZ1"), "detaching twice is a no-op")
}

func TestTranscoder_RejectsWrongFrameSize(t *testing.T) {
	transcoder, err := NewTranscoder()
	require.NoError(t, err)

	_, err = transcoder.UplinkFrame(make([]byte, 80))
	assert.Error(t, err)
}

func TestTranscoder_RoundTripKeepsFraming(t *testing.T) {
	transcoder, err := NewTranscoder()
	require.NoError(t, err)

	opusFrame, err := transcoder.UplinkFrame(silenceFrame())
	require.NoError(t, err)
	require.NotEmpty(t, opusFrame)

	ulaw, err := transcoder.DownlinkFrame(opusFrame)
	require.NoError(t, err)
	assert.Len(t, ulaw, telephonyFrameSize)
}
