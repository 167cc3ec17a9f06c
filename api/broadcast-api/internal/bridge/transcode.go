package internal_bridge

import (
	"encoding/binary"
	"fmt"

	goresampler "github.com/tphakala/go-audio-resampler"
	"github.com/zaf/g711"
	"gopkg.in/hraban/opus.v2"
)

const (
	// Telephony legs carry µ-law at 8 kHz in 20 ms frames.
	telephonyRate      = 8000
	telephonyFrameSize = 160

	// Room-side audio is Opus at 48 kHz, same 20 ms framing.
	roomRate      = 48000
	roomFrameSize = 960

	maxOpusFrameBytes = 1500
)

// Transcoder converts one call's audio between the telephony leg's µ-law
// 8 kHz frames and the room side's Opus 48 kHz frames. Encoder, decoder, and
// resampler all keep per-stream state, so a Transcoder must not be shared
// between calls.
type Transcoder struct {
	encoder *opus.Encoder
	decoder *opus.Decoder
	up      *goresampler.Resampler
	down    *goresampler.Resampler
	opusBuf []byte
}

// NewTranscoder allocates the per-call codec chain.
func NewTranscoder() (*Transcoder, error) {
	encoder, err := opus.NewEncoder(roomRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	decoder, err := opus.NewDecoder(roomRate, 1)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	up, err := goresampler.New(goresampler.BestQuality, telephonyRate, roomRate, 1)
	if err != nil {
		return nil, fmt.Errorf("create upsampler: %w", err)
	}
	down, err := goresampler.New(goresampler.BestQuality, roomRate, telephonyRate, 1)
	if err != nil {
		return nil, fmt.Errorf("create downsampler: %w", err)
	}
	return &Transcoder{
		encoder: encoder,
		decoder: decoder,
		up:      up,
		down:    down,
		opusBuf: make([]byte, maxOpusFrameBytes),
	}, nil
}

// UplinkFrame converts one telephony µ-law frame into one Opus frame for the
// room side.
func (t *Transcoder) UplinkFrame(ulaw []byte) ([]byte, error) {
	if len(ulaw) != telephonyFrameSize {
		return nil, fmt.Errorf("telephony frame must be %d bytes, got %d", telephonyFrameSize, len(ulaw))
	}

	lpcm := g711.DecodeUlaw(ulaw)
	wide, err := t.up.Process(bytesToFloats(lpcm))
	if err != nil {
		return nil, fmt.Errorf("upsample telephony frame: %w", err)
	}

	pcm := floatsToSamples(wide, roomFrameSize)
	n, err := t.encoder.Encode(pcm, t.opusBuf)
	if err != nil {
		return nil, fmt.Errorf("encode opus frame: %w", err)
	}
	out := make([]byte, n)
	copy(out, t.opusBuf[:n])
	return out, nil
}

// DownlinkFrame converts one room-side Opus frame into one telephony µ-law
// frame.
func (t *Transcoder) DownlinkFrame(opusFrame []byte) ([]byte, error) {
	pcm := make([]int16, roomFrameSize)
	n, err := t.decoder.Decode(opusFrame, pcm)
	if err != nil {
		return nil, fmt.Errorf("decode opus frame: %w", err)
	}

	narrow, err := t.down.Process(samplesToFloats(pcm[:n]))
	if err != nil {
		return nil, fmt.Errorf("downsample room frame: %w", err)
	}

	return g711.EncodeUlaw(samplesToBytes(floatsToSamples(narrow, telephonyFrameSize))), nil
}

// bytesToFloats reinterprets 16-bit little-endian LPCM as normalized floats.
func bytesToFloats(lpcm []byte) []float64 {
	out := make([]float64, len(lpcm)/2)
	for i := range out {
		sample := int16(binary.LittleEndian.Uint16(lpcm[i*2:]))
		out[i] = float64(sample) / 32768.0
	}
	return out
}

func samplesToFloats(pcm []int16) []float64 {
	out := make([]float64, len(pcm))
	for i, sample := range pcm {
		out[i] = float64(sample) / 32768.0
	}
	return out
}

// floatsToSamples clamps and quantizes to exactly size samples, padding with
// silence when the resampler delivers short (filter warm-up on the first
// frames).
func floatsToSamples(in []float64, size int) []int16 {
	out := make([]int16, size)
	for i := 0; i < size && i < len(in); i++ {
		v := in[i]
		if v > 1.0 {
			v = 1.0
		}
		if v < -1.0 {
			v = -1.0
		}
		out[i] = int16(v * 32767.0)
	}
	return out
}

func samplesToBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, sample := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(sample))
	}
	return out
}
