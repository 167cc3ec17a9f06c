package internal_rtp

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, payloadLen int) {
	t.Helper()

	payload := make([]byte, payloadLen)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	original := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         true,
			PayloadType:    0, // PCMU
			SequenceNumber: 4660,
			Timestamp:      305419896,
			SSRC:           2596069104,
		},
		Payload: payload,
	}

	wire, err := Serialize(original)
	require.NoError(t, err)
	require.Equal(t, HeaderSize+payloadLen, len(wire))

	parsed, err := Parse(wire)
	require.NoError(t, err)

	assert.Equal(t, original.Version, parsed.Version)
	assert.Equal(t, original.Marker, parsed.Marker)
	assert.Equal(t, original.PayloadType, parsed.PayloadType)
	assert.Equal(t, original.SequenceNumber, parsed.SequenceNumber)
	assert.Equal(t, original.Timestamp, parsed.Timestamp)
	assert.Equal(t, original.SSRC, parsed.SSRC)
	assert.False(t, parsed.Extension)
	assert.True(t, bytes.Equal(original.Payload, parsed.Payload))
}

func TestCodec_RoundTrip(t *testing.T) {
	for _, payloadLen := range []int{0, 1, 4096} {
		roundTrip(t, payloadLen)
	}
}

func TestParse_ShortBufferFails(t *testing.T) {
	for length := 0; length < HeaderSize; length++ {
		_, err := Parse(make([]byte, length))
		assert.Error(t, err, "buffer of %d bytes must fail to parse", length)
	}
}

func TestParse_WrongVersionFails(t *testing.T) {
	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 0, SSRC: 1},
		Payload: []byte{0x01},
	}
	wire, err := Serialize(pkt)
	require.NoError(t, err)

	// Force version 1 in the first two bits.
	wire[0] = (wire[0] &^ 0xC0) | (1 << 6)
	_, err = Parse(wire)
	assert.Error(t, err)
}

func TestParse_ExtensionOverrunFails(t *testing.T) {
	buf := make([]byte, HeaderSize+2)
	buf[0] = 0x90 // version 2, extension bit set
	// Declared extension header extends past the buffer end.
	_, err := Parse(buf)
	assert.Error(t, err)
}

func TestPacketizer_SequenceAndTimestampAdvance(t *testing.T) {
	p := NewPacketizer(0, 160)

	first := p.Packetize([]byte{0x00}, true)
	second := p.Packetize([]byte{0x00}, false)

	assert.Equal(t, first.SequenceNumber+1, second.SequenceNumber)
	assert.Equal(t, first.Timestamp+160, second.Timestamp)
	assert.Equal(t, first.SSRC, second.SSRC)
	assert.True(t, first.Marker)
	assert.False(t, second.Marker)
}

func TestPacketizer_SequenceWraps(t *testing.T) {
	p := NewPacketizer(0, 160)
	p.sequence = 65535
	p.timestamp = 0xFFFFFFFF - 100

	last := p.Packetize(nil, false)
	wrapped := p.Packetize(nil, false)

	assert.Equal(t, uint16(65535), last.SequenceNumber)
	assert.Equal(t, uint16(0), wrapped.SequenceNumber)
	assert.Equal(t, last.Timestamp+160, wrapped.Timestamp, "timestamp wraps modulo 2^32")
}

func TestPacketizer_RandomInitialState(t *testing.T) {
	a := NewPacketizer(0, 160)
	b := NewPacketizer(0, 160)
	// Two fresh streams sharing all three initial values would mean the
	// randomization is broken.
	same := a.SSRC() == b.SSRC() && a.sequence == b.sequence && a.timestamp == b.timestamp
	assert.False(t, same)
}
