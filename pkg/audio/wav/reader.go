// Package wav reads and writes PCM WAV files as 10ms audio frames, the unit
// the rest of the runtime works in. It handles the canonical RIFF layout
// only: 16-bit PCM, mono or stereo, at the sample rates the media layer
// supports.
package wav

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/chriscow/voice-agents-go/pkg/rtc"
)

// Header describes the format of an opened WAV file.
type Header struct {
	ChunkSize     uint32
	SampleRate    uint32
	NumChannels   uint16
	BitsPerSample uint16
	DataSize      uint32
}

// Reader decodes a WAV file into AudioFrames. Frames can be pulled one at a
// time with NextFrame for paced playback, or all at once with ReadFrames.
type Reader struct {
	file       *os.File
	header     Header
	frameIndex int
	remaining  int
}

// NewReader opens filename and validates its header. The file position is
// left at the start of the audio data.
func NewReader(filename string) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open wav file: %w", err)
	}

	r := &Reader{file: file}
	if err := r.readHeader(); err != nil {
		file.Close()
		return nil, fmt.Errorf("read wav header: %w", err)
	}
	r.remaining = int(r.header.DataSize)

	return r, nil
}

// Header returns the format of the opened file.
func (r *Reader) Header() Header {
	return r.header
}

// bytesPerFrame is the size of 10ms of audio in this file's format.
func (r *Reader) bytesPerFrame() int {
	samplesPerFrame := int(r.header.SampleRate) / 100
	return samplesPerFrame * int(r.header.NumChannels) * (int(r.header.BitsPerSample) / 8)
}

// NextFrame returns the next 10ms frame, zero-padding a short tail. It
// returns io.EOF once the data chunk is exhausted.
func (r *Reader) NextFrame() (*rtc.AudioFrame, error) {
	if r.remaining <= 0 {
		return nil, io.EOF
	}

	size := r.bytesPerFrame()
	buffer := make([]byte, size)

	want := size
	if r.remaining < want {
		want = r.remaining
	}
	n, err := io.ReadFull(r.file, buffer[:want])
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		r.remaining = 0
	} else if err != nil {
		return nil, fmt.Errorf("read audio data: %w", err)
	} else {
		r.remaining -= n
	}
	if n == 0 {
		return nil, io.EOF
	}

	frame := &rtc.AudioFrame{
		Data:              buffer,
		SampleRate:        int(r.header.SampleRate),
		SamplesPerChannel: int(r.header.SampleRate) / 100,
		NumChannels:       int(r.header.NumChannels),
		Timestamp:         time.Duration(r.frameIndex) * 10 * time.Millisecond,
	}
	r.frameIndex++
	return frame, nil
}

// ReadFrames decodes the rest of the file as 10ms AudioFrames.
func (r *Reader) ReadFrames() ([]rtc.AudioFrame, error) {
	var frames []rtc.AudioFrame
	for {
		frame, err := r.NextFrame()
		if err == io.EOF {
			return frames, nil
		}
		if err != nil {
			return nil, err
		}
		frames = append(frames, *frame)
	}
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

func (r *Reader) readHeader() error {
	var riffHeader [12]byte
	if _, err := io.ReadFull(r.file, riffHeader[:]); err != nil {
		return fmt.Errorf("read RIFF header: %w", err)
	}

	if string(riffHeader[0:4]) != "RIFF" {
		return fmt.Errorf("not a RIFF file")
	}
	if string(riffHeader[8:12]) != "WAVE" {
		return fmt.Errorf("not a WAVE file")
	}

	r.header.ChunkSize = binary.LittleEndian.Uint32(riffHeader[4:8])

	if err := r.readFmtChunk(); err != nil {
		return err
	}
	if err := r.readDataChunk(); err != nil {
		return err
	}

	if r.header.BitsPerSample != 16 {
		return fmt.Errorf("only 16-bit samples are supported, got %d-bit", r.header.BitsPerSample)
	}
	if r.header.NumChannels != 1 && r.header.NumChannels != 2 {
		return fmt.Errorf("only mono and stereo are supported, got %d channels", r.header.NumChannels)
	}
	switch r.header.SampleRate {
	case 16000, 24000, 48000:
	default:
		return fmt.Errorf("unsupported sample rate %dHz", r.header.SampleRate)
	}

	return nil
}

// readFmtChunk scans chunks until it finds "fmt " and decodes it.
func (r *Reader) readFmtChunk() error {
	for {
		var chunkHeader [8]byte
		if _, err := io.ReadFull(r.file, chunkHeader[:]); err != nil {
			return fmt.Errorf("read chunk header: %w", err)
		}

		chunkID := string(chunkHeader[0:4])
		chunkSize := binary.LittleEndian.Uint32(chunkHeader[4:8])

		if chunkID == "fmt " {
			if chunkSize < 16 {
				return fmt.Errorf("fmt chunk too small: %d bytes", chunkSize)
			}

			var fmtData [16]byte
			if _, err := io.ReadFull(r.file, fmtData[:]); err != nil {
				return fmt.Errorf("read fmt data: %w", err)
			}

			audioFormat := binary.LittleEndian.Uint16(fmtData[0:2])
			if audioFormat != 1 {
				return fmt.Errorf("only PCM format is supported, got format %d", audioFormat)
			}

			r.header.NumChannels = binary.LittleEndian.Uint16(fmtData[2:4])
			r.header.SampleRate = binary.LittleEndian.Uint32(fmtData[4:8])
			r.header.BitsPerSample = binary.LittleEndian.Uint16(fmtData[14:16])

			if chunkSize > 16 {
				if _, err := r.file.Seek(int64(chunkSize-16), io.SeekCurrent); err != nil {
					return fmt.Errorf("skip fmt data: %w", err)
				}
			}
			return nil
		}

		if _, err := r.file.Seek(int64(chunkSize), io.SeekCurrent); err != nil {
			return fmt.Errorf("skip chunk: %w", err)
		}
	}
}

// readDataChunk positions the file at the start of audio data.
func (r *Reader) readDataChunk() error {
	for {
		var chunkHeader [8]byte
		if _, err := io.ReadFull(r.file, chunkHeader[:]); err != nil {
			return fmt.Errorf("read chunk header: %w", err)
		}

		chunkID := string(chunkHeader[0:4])
		chunkSize := binary.LittleEndian.Uint32(chunkHeader[4:8])

		if chunkID == "data" {
			r.header.DataSize = chunkSize
			return nil
		}

		if _, err := r.file.Seek(int64(chunkSize), io.SeekCurrent); err != nil {
			return fmt.Errorf("skip chunk: %w", err)
		}
	}
}
