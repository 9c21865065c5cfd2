package discord

import (
	"fmt"

	"layeh.com/gopus"
)

// Discord voice uses 48 kHz stereo Opus at 20 ms frame size.
const (
	opusSampleRate  = 48000
	opusChannels    = 2
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960
)

// silenceTailFrames is how many silence frames are played after the last
// audio frame. Discord clients need the tail to flush their jitter buffers
// before the speaking flag drops.
const silenceTailFrames = 5

// encodeSilence produces one encoder-generated Opus silence packet.
func encodeSilence() ([]byte, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus encoder: %w", err)
	}
	pcm := make([]int16, opusFrameSize*opusChannels)
	data, err := enc.Encode(pcm, opusFrameSize, len(pcm)*2)
	if err != nil {
		return nil, fmt.Errorf("discord: encode silence: %w", err)
	}
	return data, nil
}

// silenceFrame returns the Opus packet played during the silence tail. Falls
// back to the protocol's canonical three-byte silence marker if the encoder
// cannot be built.
func silenceFrame() []byte {
	data, err := encodeSilence()
	if err != nil {
		return []byte{0xF8, 0xFF, 0xFE}
	}
	return data
}
