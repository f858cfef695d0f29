package audio

import (
	"bytes"
	"encoding/binary"
	"time"
)

// WavHeaderSize is the size of the canonical RIFF header written by
// NewWavBuffer.
const WavHeaderSize = 44

// NewWavBuffer wraps 16-bit mono little-endian PCM in a WAV container.
func NewWavBuffer(pcm []byte, sampleRate int) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, WavHeaderSize+len(pcm)))

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	// fmt chunk: PCM, mono, 16 bit
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate*2))
	binary.Write(buf, binary.LittleEndian, uint16(2))
	binary.Write(buf, binary.LittleEndian, uint16(16))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

// PCMDuration is the play time of 16-bit mono PCM at sampleRate.
func PCMDuration(pcm []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := len(pcm) / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
