package wav

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/chriscow/voice-agents-go/pkg/rtc"
)

// Writer encodes 16-bit PCM into a WAV file. Sizes in the header are patched
// on Close, so a Writer that is never closed leaves a truncated file.
type Writer struct {
	file          *os.File
	sampleRate    uint32
	numChannels   uint16
	bitsPerSample uint16
	bytesWritten  uint32
}

// NewWriter creates filename and writes a provisional header.
func NewWriter(filename string, sampleRate uint32, numChannels, bitsPerSample uint16) (*Writer, error) {
	file, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create wav file: %w", err)
	}

	w := &Writer{
		file:          file,
		sampleRate:    sampleRate,
		numChannels:   numChannels,
		bitsPerSample: bitsPerSample,
	}

	if err := w.writeHeader(); err != nil {
		file.Close()
		return nil, fmt.Errorf("write wav header: %w", err)
	}

	return w, nil
}

// WritePCM appends raw little-endian PCM bytes to the data chunk.
func (w *Writer) WritePCM(data []byte) error {
	if w.file == nil {
		return fmt.Errorf("writer is closed")
	}
	n, err := w.file.Write(data)
	w.bytesWritten += uint32(n)
	if err != nil {
		return fmt.Errorf("write audio data: %w", err)
	}
	return nil
}

// WriteFrame appends one AudioFrame. The frame must match the rate and
// channel count the writer was created with.
func (w *Writer) WriteFrame(frame rtc.AudioFrame) error {
	if frame.SampleRate != int(w.sampleRate) || frame.NumChannels != int(w.numChannels) {
		return fmt.Errorf("frame format %dHz/%dch does not match writer %dHz/%dch",
			frame.SampleRate, frame.NumChannels, w.sampleRate, w.numChannels)
	}
	return w.WritePCM(frame.Data)
}

// WriteSineWave appends a tone at the given frequency, useful for fixtures.
func (w *Writer) WriteSineWave(frequency float64, durationMs int) error {
	if w.file == nil {
		return fmt.Errorf("writer is closed")
	}
	samplesPerChannel := int(w.sampleRate) * durationMs / 1000

	for i := 0; i < samplesPerChannel; i++ {
		t := float64(i) / float64(w.sampleRate)
		sample := math.Sin(2 * math.Pi * frequency * t)

		// Half amplitude keeps fixtures comfortable to listen to.
		intSample := int16(sample * 32767 * 0.5)

		for ch := 0; ch < int(w.numChannels); ch++ {
			if err := binary.Write(w.file, binary.LittleEndian, intSample); err != nil {
				return fmt.Errorf("write sample: %w", err)
			}
			w.bytesWritten += 2
		}
	}

	return nil
}

// Close patches the header sizes and closes the file. Safe to call twice.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}

	dataSize := w.bytesWritten
	chunkSize := dataSize + 36

	if _, err := w.file.Seek(4, 0); err != nil {
		return fmt.Errorf("seek to chunk size: %w", err)
	}
	if err := binary.Write(w.file, binary.LittleEndian, chunkSize); err != nil {
		return fmt.Errorf("write chunk size: %w", err)
	}

	if _, err := w.file.Seek(40, 0); err != nil {
		return fmt.Errorf("seek to data size: %w", err)
	}
	if err := binary.Write(w.file, binary.LittleEndian, dataSize); err != nil {
		return fmt.Errorf("write data size: %w", err)
	}

	err := w.file.Close()
	w.file = nil
	return err
}

// writeHeader emits the canonical 44-byte layout with zeroed sizes.
func (w *Writer) writeHeader() error {
	if _, err := w.file.WriteString("RIFF"); err != nil {
		return err
	}
	if err := binary.Write(w.file, binary.LittleEndian, uint32(0)); err != nil {
		return err
	}
	if _, err := w.file.WriteString("WAVE"); err != nil {
		return err
	}

	if _, err := w.file.WriteString("fmt "); err != nil {
		return err
	}
	if err := binary.Write(w.file, binary.LittleEndian, uint32(16)); err != nil {
		return err
	}
	// PCM
	if err := binary.Write(w.file, binary.LittleEndian, uint16(1)); err != nil {
		return err
	}
	if err := binary.Write(w.file, binary.LittleEndian, w.numChannels); err != nil {
		return err
	}
	if err := binary.Write(w.file, binary.LittleEndian, w.sampleRate); err != nil {
		return err
	}
	byteRate := w.sampleRate * uint32(w.numChannels) * uint32(w.bitsPerSample) / 8
	if err := binary.Write(w.file, binary.LittleEndian, byteRate); err != nil {
		return err
	}
	blockAlign := w.numChannels * w.bitsPerSample / 8
	if err := binary.Write(w.file, binary.LittleEndian, blockAlign); err != nil {
		return err
	}
	if err := binary.Write(w.file, binary.LittleEndian, w.bitsPerSample); err != nil {
		return err
	}

	if _, err := w.file.WriteString("data"); err != nil {
		return err
	}
	if err := binary.Write(w.file, binary.LittleEndian, uint32(0)); err != nil {
		return err
	}

	return nil
}
