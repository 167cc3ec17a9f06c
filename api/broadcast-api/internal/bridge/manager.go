package internal_bridge

import (
	"context"
	"fmt"
	"sync"

	internal_rtp "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/rtp"
	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/pkg/commons"
)

// payload type 0 is PCMU; telephony frames are 160 samples at 8 kHz.
const telephonyPayloadType = 0

// StreamStats is a point-in-time snapshot of one bridged call.
type StreamStats struct {
	StreamID   string
	CallID     uint64
	Room       string
	Forwarding bool
	FramesUp   uint64
	FramesDown uint64
	Jitter     internal_rtp.JitterBufferStatistics
}

// stream is one telephony leg bridged into a room: jitter buffer and
// packetizer on the telephony side, transcoder in the middle, publisher on
// the room side.
type stream struct {
	mu sync.Mutex

	id     string
	callID uint64
	room   string

	// forwarding false is the SFU-side mute: frames keep arriving and keep
	// the jitter buffer warm, they just never reach the room.
	forwarding bool

	packetizer *internal_rtp.Packetizer
	buffer     *internal_rtp.JitterBuffer
	transcoder *Transcoder
	publisher  FramePublisher
	downlink   func(ulaw []byte)

	framesUp   uint64
	framesDown uint64
}

// Manager owns every bridged stream of the process. It satisfies the SFU
// room backend's stream controller: room placement of a telephony caller is
// a property of that caller's bridge stream, not of any gateway object.
type Manager struct {
	factory PublisherFactory
	jitter  internal_rtp.JitterBufferConfig
	logger  commons.Logger

	mu      sync.RWMutex
	streams map[string]*stream
}

// NewManager creates an empty bridge manager.
func NewManager(factory PublisherFactory, jitter internal_rtp.JitterBufferConfig, logger commons.Logger) *Manager {
	return &Manager{
		factory: factory,
		jitter:  jitter,
		logger:  logger,
		streams: make(map[string]*stream),
	}
}

// AttachStream bridges a new telephony leg into the given room. Attaching an
// already-attached stream fails; the caller keeps its existing bridge across
// room moves.
func (m *Manager) AttachStream(ctx context.Context, streamID string, callID uint64, room string) error {
	m.mu.Lock()
	if _, ok := m.streams[streamID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("stream %s already attached", streamID)
	}
	m.mu.Unlock()

	transcoder, err := NewTranscoder()
	if err != nil {
		return err
	}
	publisher, err := m.factory(ctx, streamID, room)
	if err != nil {
		return fmt.Errorf("create publisher for stream %s: %w", streamID, err)
	}

	s := &stream{
		id:         streamID,
		callID:     callID,
		room:       room,
		forwarding: true,
		packetizer: internal_rtp.NewPacketizer(telephonyPayloadType, telephonyFrameSize),
		buffer:     internal_rtp.NewJitterBuffer(m.jitter),
		transcoder: transcoder,
		publisher:  publisher,
	}

	m.mu.Lock()
	if _, ok := m.streams[streamID]; ok {
		m.mu.Unlock()
		publisher.Close(ctx)
		return fmt.Errorf("stream %s already attached", streamID)
	}
	m.streams[streamID] = s
	m.mu.Unlock()

	m.logger.Infow("bridged telephony stream", "stream_id", streamID, "call_id", callID, "room", room)
	return nil
}

func (m *Manager) get(streamID string) (*stream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[streamID]
	if !ok {
		return nil, fmt.Errorf("stream %s not attached", streamID)
	}
	return s, nil
}

// PushFrame feeds one ordered µ-law frame from the telephony websocket. The
// frame is stamped onto the stream's RTP timeline so it shares the jitter
// buffer path with raw RTP input.
func (m *Manager) PushFrame(streamID string, ulaw []byte) error {
	s, err := m.get(streamID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer.Push(s.packetizer.Packetize(ulaw, false))
	return s.drainLocked()
}

// PushRTP feeds one raw RTP datagram from a telephony media leg.
func (m *Manager) PushRTP(streamID string, datagram []byte) error {
	s, err := m.get(streamID)
	if err != nil {
		return err
	}
	pkt, err := internal_rtp.Parse(datagram)
	if err != nil {
		return fmt.Errorf("stream %s: %w", streamID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer.Push(pkt)
	return s.drainLocked()
}

// drainLocked pops every playable packet and pushes it up to the room.
// Transcoding always runs so codec state stays continuous; a muted stream
// just drops the encoded frame.
func (s *stream) drainLocked() error {
	for {
		pkt, ok := s.buffer.Pop()
		if !ok {
			return nil
		}
		frame, err := s.transcoder.UplinkFrame(pkt.Payload)
		if err != nil {
			return fmt.Errorf("stream %s uplink: %w", s.id, err)
		}
		if !s.forwarding {
			continue
		}
		if err := s.publisher.WriteFrame(frame); err != nil {
			return fmt.Errorf("stream %s publish: %w", s.id, err)
		}
		s.framesUp++
	}
}

// SetDownlink registers the sink receiving the caller's µ-law downlink
// audio (typically the telephony websocket writer).
func (m *Manager) SetDownlink(streamID string, sink func(ulaw []byte)) error {
	s, err := m.get(streamID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.downlink = sink
	s.mu.Unlock()
	return nil
}

// DeliverRoomFrame pushes one room-side Opus frame down to the telephony
// leg.
func (m *Manager) DeliverRoomFrame(streamID string, opusFrame []byte) error {
	s, err := m.get(streamID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.downlink == nil {
		return nil
	}
	ulaw, err := s.transcoder.DownlinkFrame(opusFrame)
	if err != nil {
		return fmt.Errorf("stream %s downlink: %w", s.id, err)
	}
	s.downlink(ulaw)
	s.framesDown++
	return nil
}

// MoveStream re-targets the stream's publisher to another room. The jitter
// buffer is cleared: the telephony leg re-streams with fresh sequencing
// after a move.
func (m *Manager) MoveStream(ctx context.Context, streamID string, toRoom string, muted bool) error {
	s, err := m.get(streamID)
	if err != nil {
		return err
	}

	publisher, err := m.factory(ctx, streamID, toRoom)
	if err != nil {
		return fmt.Errorf("join stream %s to room %s: %w", streamID, toRoom, err)
	}

	s.mu.Lock()
	old := s.publisher
	s.publisher = publisher
	s.room = toRoom
	s.forwarding = !muted
	s.buffer.Clear()
	s.mu.Unlock()

	if old != nil {
		if err := old.Close(ctx); err != nil {
			m.logger.Debugw("failed to close previous publisher", "stream_id", streamID, "error", err)
		}
	}
	m.logger.Infow("stream moved", "stream_id", streamID, "room", toRoom, "muted", muted)
	return nil
}

// SetForwarding starts or stops pushing the stream's frames into its room.
func (m *Manager) SetForwarding(ctx context.Context, streamID string, forwarding bool) error {
	s, err := m.get(streamID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.forwarding = forwarding
	s.mu.Unlock()
	return nil
}

// DetachStream flushes buffered audio and tears the bridge down.
func (m *Manager) DetachStream(ctx context.Context, streamID string) error {
	m.mu.Lock()
	s, ok := m.streams[streamID]
	delete(m.streams, streamID)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	for _, pkt := range s.buffer.Flush() {
		frame, err := s.transcoder.UplinkFrame(pkt.Payload)
		if err != nil {
			break
		}
		if s.forwarding {
			if s.publisher.WriteFrame(frame) == nil {
				s.framesUp++
			}
		}
	}
	publisher := s.publisher
	s.publisher = nil
	s.mu.Unlock()

	if publisher != nil {
		if err := publisher.Close(ctx); err != nil {
			m.logger.Debugw("failed to close publisher on detach", "stream_id", streamID, "error", err)
		}
	}
	m.logger.Infow("detached telephony stream", "stream_id", streamID, "call_id", s.callID)
	return nil
}

// Stats snapshots one stream, or reports it unknown.
func (m *Manager) Stats(streamID string) (StreamStats, bool) {
	s, err := m.get(streamID)
	if err != nil {
		return StreamStats{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return StreamStats{
		StreamID:   s.id,
		CallID:     s.callID,
		Room:       s.room,
		Forwarding: s.forwarding,
		FramesUp:   s.framesUp,
		FramesDown: s.framesDown,
		Jitter:     s.buffer.Statistics(),
	}, true
}

// ActiveStreams returns the number of bridged calls.
func (m *Manager) ActiveStreams() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams)
}
