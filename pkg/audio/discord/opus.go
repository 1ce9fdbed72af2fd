package discord

import (
	"encoding/binary"
	"fmt"

	"layeh.com/gopus"
)

const (
	// opusSampleRate is Discord's fixed voice sample rate.
	opusSampleRate = 48000

	// opusChannels is Discord's fixed channel count (stereo).
	opusChannels = 2

	// opusFrameSize is samples per channel per 20 ms frame at 48 kHz.
	opusFrameSize = 960
)

// opusDecoder wraps a gopus decoder for one inbound SSRC stream.
type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decode decompresses one Opus packet into interleaved stereo int16 PCM bytes.
func (d *opusDecoder) decode(opus []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(opus, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("discord: opus decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

func int16sToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
