package pipeline

import (
	"bytes"
	"strings"
	"unicode/utf8"
)

// segmentDelimiters close a speakable chunk as soon as one is seen.
const segmentDelimiters = ".?!,;:\n"

const (
	// DefaultMaxSegment is the character budget a delimiter-free buffer may
	// reach before it is force-split at the last space.
	DefaultMaxSegment = 600

	// DefaultMinWords sizes the word budget: a buffer holding more than
	// twice this many words is force-split even under the character budget.
	DefaultMinWords = 10
)

// Segmenter incrementally splits streamed LLM text into chunks sized for
// low-latency synthesis. Chunks end at a delimiter when one arrives in time,
// otherwise at the last space once the buffer outgrows its budget. Every
// input byte is emitted exactly once, in order; Flush drains the tail.
type Segmenter struct {
	maxChars int
	maxWords int
	buf      []byte
}

// NewSegmenter creates a segmenter. Non-positive arguments select
// DefaultMaxSegment and DefaultMinWords.
func NewSegmenter(maxChars, minWords int) *Segmenter {
	if maxChars <= 0 {
		maxChars = DefaultMaxSegment
	}
	if minWords <= 0 {
		minWords = DefaultMinWords
	}
	return &Segmenter{maxChars: maxChars, maxWords: 2 * minWords}
}

// Push appends text to the working buffer and returns the chunks it
// completed, possibly none.
func (s *Segmenter) Push(text string) []string {
	if text == "" {
		return nil
	}
	s.buf = append(s.buf, text...)

	var out []string
	for {
		chunk, ok := s.cutNext()
		if !ok {
			return out
		}
		out = append(out, chunk)
	}
}

// Flush returns whatever remains buffered, which may be empty.
func (s *Segmenter) Flush() string {
	tail := string(s.buf)
	s.buf = nil
	return tail
}

// cutNext removes and returns the next complete chunk from the buffer.
func (s *Segmenter) cutNext() (string, bool) {
	if i := bytes.IndexAny(s.buf, segmentDelimiters); i >= 0 {
		return s.cutAt(i + 1), true
	}
	if !s.overBudget() {
		return "", false
	}
	if j := bytes.LastIndexByte(s.buf, ' '); j > 0 {
		return s.cutAt(j + 1), true
	}
	// No space to split at: emit the whole buffer rather than hold bytes back.
	return s.cutAt(len(s.buf)), true
}

func (s *Segmenter) cutAt(n int) string {
	chunk := string(s.buf[:n])
	s.buf = append(s.buf[:0], s.buf[n:]...)
	return chunk
}

func (s *Segmenter) overBudget() bool {
	if utf8.RuneCount(s.buf) > s.maxChars {
		return true
	}
	return len(strings.Fields(string(s.buf))) > s.maxWords
}
