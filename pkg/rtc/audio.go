package rtc

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Common sample rates. Rooms deliver 48 kHz; speech providers usually want
// 16 kHz or 24 kHz.
const (
	SampleRate48k = 48000
	SampleRate24k = 24000
	SampleRate16k = 16000
)

// AudioFrame represents a short slice of PCM audio, typically 10 or 20 ms.
// Len(Data) == SamplesPerChannel * NumChannels * 2.
// All fields are immutable after creation except Data when processed in-place.
//
// A zero Timestamp means "live"; otherwise it points to absolute wall-clock.
type AudioFrame struct {
	Data              []byte        // 16-bit PCM, little-endian
	SampleRate        int           // 48 000, 24 000 or 16 000
	SamplesPerChannel int           // e.g. SampleRate / 100 for a 10 ms frame
	NumChannels       int           // 1 or 2
	Timestamp         time.Duration // optional
}

// NewAudioFrame creates a 10 ms AudioFrame with the specified parameters.
// Data length is validated to match SamplesPerChannel * NumChannels * 2.
func NewAudioFrame(data []byte, sampleRate, numChannels int, timestamp time.Duration) (*AudioFrame, error) {
	samplesPerChannel := sampleRate / 100
	expectedLen := samplesPerChannel * numChannels * 2

	if len(data) != expectedLen {
		return nil, fmt.Errorf("AudioFrame data length mismatch: got %d bytes, expected %d bytes for %dHz %d-channel 10ms audio",
			len(data), expectedLen, sampleRate, numChannels)
	}

	return &AudioFrame{
		Data:              data,
		SampleRate:        sampleRate,
		SamplesPerChannel: samplesPerChannel,
		NumChannels:       numChannels,
		Timestamp:         timestamp,
	}, nil
}

// FrameFromPCM wraps an arbitrary-length PCM16 buffer in an AudioFrame,
// deriving SamplesPerChannel from the data length. The length must be a
// whole number of samples.
func FrameFromPCM(data []byte, sampleRate, numChannels int) (*AudioFrame, error) {
	if numChannels <= 0 || sampleRate <= 0 {
		return nil, fmt.Errorf("AudioFrame requires positive sample rate and channel count, got %d/%d", sampleRate, numChannels)
	}
	if len(data)%(numChannels*2) != 0 {
		return nil, fmt.Errorf("AudioFrame data length %d is not a whole number of %d-channel samples", len(data), numChannels)
	}
	return &AudioFrame{
		Data:              data,
		SampleRate:        sampleRate,
		SamplesPerChannel: len(data) / (numChannels * 2),
		NumChannels:       numChannels,
	}, nil
}

// Clone creates a deep copy of the AudioFrame.
func (f *AudioFrame) Clone() *AudioFrame {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)

	return &AudioFrame{
		Data:              data,
		SampleRate:        f.SampleRate,
		SamplesPerChannel: f.SamplesPerChannel,
		NumChannels:       f.NumChannels,
		Timestamp:         f.Timestamp,
	}
}

// Duration returns the playback time represented by this frame.
func (f *AudioFrame) Duration() time.Duration {
	if f.SampleRate == 0 {
		return 10 * time.Millisecond
	}
	return time.Duration(f.SamplesPerChannel) * time.Second / time.Duration(f.SampleRate)
}

// Samples decodes Data into int16 samples (interleaved when stereo).
func (f *AudioFrame) Samples() []int16 {
	out := make([]int16, len(f.Data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(f.Data[i*2:]))
	}
	return out
}

// PCMFromSamples encodes int16 samples as little-endian PCM bytes.
func PCMFromSamples(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
