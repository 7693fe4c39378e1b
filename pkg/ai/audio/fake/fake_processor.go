package fake

import (
	"sync/atomic"
	"time"

	"github.com/chriscow/voice-agents-go/pkg/ai/audio"
	"github.com/chriscow/voice-agents-go/pkg/rtc"
)

var _ audio.Processor = (*FakeProcessor)(nil)

// FakeProcessor is a pass-through audio processor that counts the frames it
// sees, letting tests assert the denoise hook sits on the capture path.
type FakeProcessor struct {
	config   audio.ProcessorConfig
	closed   atomic.Bool
	captured atomic.Int64
}

// NewFakeProcessor creates a new fake audio processor with default configuration.
func NewFakeProcessor() *FakeProcessor {
	return &FakeProcessor{config: audio.NewProcessorConfig()}
}

// NewFakeProcessorWithConfig creates a new fake audio processor with the specified configuration.
func NewFakeProcessorWithConfig(config audio.ProcessorConfig) *FakeProcessor {
	return &FakeProcessor{config: config}
}

// CapturedFrames reports how many capture frames have passed through.
func (p *FakeProcessor) CapturedFrames() int64 {
	return p.captured.Load()
}

// ProcessReverse handles far-end (speaker output) reference.
func (p *FakeProcessor) ProcessReverse(frame rtc.AudioFrame) error {
	if p.closed.Load() {
		return audio.ErrFatal
	}
	return nil
}

// ProcessCapture counts the frame and passes it through unchanged.
func (p *FakeProcessor) ProcessCapture(frame *rtc.AudioFrame) error {
	if p.closed.Load() {
		return audio.ErrFatal
	}
	p.captured.Add(1)
	return nil
}

// SetStreamDelay ignores the delay.
func (p *FakeProcessor) SetStreamDelay(d time.Duration) error {
	if p.closed.Load() {
		return audio.ErrFatal
	}
	return nil
}

// Close releases resources.
func (p *FakeProcessor) Close() error {
	p.closed.Store(true)
	return nil
}
