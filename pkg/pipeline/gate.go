package pipeline

import "sync/atomic"

// Gate controls whether microphone frames reach STT and VAD. A reply made
// with waitForPlayback closes the gate for its duration so the agent cannot
// be interrupted by its own prompt; ingress drops frames while closed.
type Gate struct {
	closed atomic.Bool
}

// NewGate creates an open gate.
func NewGate() *Gate {
	return &Gate{}
}

// Close starts discarding microphone frames.
func (g *Gate) Close() {
	g.closed.Store(true)
}

// Open resumes normal ingress.
func (g *Gate) Open() {
	g.closed.Store(false)
}

// Closed reports whether ingress frames are being discarded.
func (g *Gate) Closed() bool {
	return g.closed.Load()
}
