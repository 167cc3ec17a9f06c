package internal_rtp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"
)

// HeaderSize is the fixed RTP header length without CSRCs or extensions.
const HeaderSize = 12

// rtpVersion is the only wire version this bridge accepts.
const rtpVersion = 2

// Parse validates and decodes a wire RTP packet. Malformed packets (shorter
// than the fixed header, wrong version, declared extension overrunning the
// buffer) are rejected; the caller drops them without failing the call.
func Parse(buf []byte) (*rtp.Packet, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("rtp packet too short: %d bytes", len(buf))
	}
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(buf); err != nil {
		return nil, fmt.Errorf("malformed rtp packet: %w", err)
	}
	if pkt.Version != rtpVersion {
		return nil, fmt.Errorf("unsupported rtp version %d", pkt.Version)
	}
	return pkt, nil
}

// Serialize encodes a packet to its wire form.
func Serialize(pkt *rtp.Packet) ([]byte, error) {
	buf, err := pkt.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rtp packet: %w", err)
	}
	return buf, nil
}

// Packetizer builds outgoing packets for one stream: random initial sequence
// number, timestamp and SSRC, sequence wrapping at 16 bits and timestamp at
// 32 bits, timestamp advanced by the fixed samples-per-frame count.
type Packetizer struct {
	ssrc            uint32
	payloadType     uint8
	samplesPerFrame uint32

	sequence  uint16
	timestamp uint32
}

// NewPacketizer creates a packetizer for the given payload type and
// samples-per-frame (e.g. 160 for 20 ms of 8 kHz audio).
func NewPacketizer(payloadType uint8, samplesPerFrame uint32) *Packetizer {
	var seed [10]byte
	_, _ = rand.Read(seed[:])
	return &Packetizer{
		ssrc:            binary.BigEndian.Uint32(seed[0:4]),
		payloadType:     payloadType,
		samplesPerFrame: samplesPerFrame,
		sequence:        binary.BigEndian.Uint16(seed[4:6]),
		timestamp:       binary.BigEndian.Uint32(seed[6:10]),
	}
}

// SSRC returns the stream's synchronization source id.
func (p *Packetizer) SSRC() uint32 {
	return p.ssrc
}

// Packetize wraps one audio frame into the next packet of the stream.
// Sequence and timestamp wrap via native uint16/uint32 arithmetic.
func (p *Packetizer) Packetize(payload []byte, marker bool) *rtp.Packet {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        rtpVersion,
			Marker:         marker,
			PayloadType:    p.payloadType,
			SequenceNumber: p.sequence,
			Timestamp:      p.timestamp,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}
	p.sequence++
	p.timestamp += p.samplesPerFrame
	return pkt
}
