package internal_bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	internal_janus_room "github.com/KevinLetsTruck/audioroad-broadcast-sub001/api/broadcast-api/internal/room/janus"
	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/pkg/commons"
)

// FramePublisher pushes one call's Opus frames into a room. Extracted so
// tests can run the bridge pipeline without a live media gateway.
type FramePublisher interface {
	WriteFrame(frame []byte) error
	Close(ctx context.Context) error
}

// PublisherFactory creates a publisher joined to the given room.
type PublisherFactory func(ctx context.Context, streamID, room string) (FramePublisher, error)

// sfuPublisher is one call's publisher peer connection into a videoroom:
// its own plugin handle, one sendonly Opus track, offer/answer negotiated
// over the gateway control socket.
type sfuPublisher struct {
	gateway  *internal_janus_room.Gateway
	handleID uint64
	pc       *webrtc.PeerConnection
	track    *webrtc.TrackLocalStaticSample
	streamID string
	logger   commons.Logger
}

// NewSFUPublisherFactory returns a factory producing real gateway-backed
// publishers.
func NewSFUPublisherFactory(gateway *internal_janus_room.Gateway, logger commons.Logger) PublisherFactory {
	return func(ctx context.Context, streamID, room string) (FramePublisher, error) {
		return newSFUPublisher(ctx, gateway, streamID, room, logger)
	}
}

func newSFUPublisher(ctx context.Context, gateway *internal_janus_room.Gateway, streamID, room string, logger commons.Logger) (FramePublisher, error) {
	handleID, err := gateway.AttachHandle(ctx)
	if err != nil {
		return nil, err
	}

	mediaEngine := &webrtc.MediaEngine{}
	err = mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: roomRate,
			Channels:  1,
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio)
	if err != nil {
		return nil, fmt.Errorf("register opus codec: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("create publisher peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: roomRate,
		Channels:  1,
	}, "audio", "bridge-"+streamID)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create bridge track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		pc.Close()
		return nil, fmt.Errorf("add bridge track: %w", err)
	}

	publisher := &sfuPublisher{
		gateway:  gateway,
		handleID: handleID,
		pc:       pc,
		track:    track,
		streamID: streamID,
		logger:   logger,
	}
	if err := publisher.join(ctx, room); err != nil {
		pc.Close()
		return nil, err
	}
	return publisher, nil
}

// join enters the room as a publisher and runs the offer/answer exchange.
func (p *sfuPublisher) join(ctx context.Context, room string) error {
	_, _, err := p.gateway.HandleRequest(ctx, p.handleID, map[string]any{
		"request": "join",
		"ptype":   "publisher",
		"room":    internal_janus_room.RoomID(room),
		"display": p.streamID,
	}, nil)
	if err != nil {
		return fmt.Errorf("join videoroom %s: %w", room, err)
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create publisher offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	}

	_, jsep, err := p.gateway.HandleRequest(ctx, p.handleID, map[string]any{
		"request": "configure",
		"audio":   true,
		"video":   false,
	}, p.pc.LocalDescription())
	if err != nil {
		return fmt.Errorf("configure publisher: %w", err)
	}
	if len(jsep) == 0 {
		return fmt.Errorf("gateway returned no answer for publisher %s", p.streamID)
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(jsep, &answer); err != nil {
		return fmt.Errorf("decode gateway answer: %w", err)
	}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	p.logger.Infow("publisher joined videoroom", "stream_id", p.streamID, "room", room)
	return nil
}

func (p *sfuPublisher) WriteFrame(frame []byte) error {
	return p.track.WriteSample(media.Sample{
		Data:     frame,
		Duration: 20 * time.Millisecond,
	})
}

func (p *sfuPublisher) Close(ctx context.Context) error {
	_, _, err := p.gateway.HandleRequest(ctx, p.handleID, map[string]any{"request": "leave"}, nil)
	if err != nil {
		p.logger.Debugw("publisher leave failed", "stream_id", p.streamID, "error", err)
	}
	if err := p.gateway.DetachHandle(ctx, p.handleID); err != nil {
		p.logger.Debugw("publisher detach failed", "stream_id", p.streamID, "error", err)
	}
	return p.pc.Close()
}
