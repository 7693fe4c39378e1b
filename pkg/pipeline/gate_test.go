package pipeline

import "testing"

func TestGateOpenByDefault(t *testing.T) {
	g := NewGate()
	if g.Closed() {
		t.Error("new gate should be open")
	}
}

func TestGateCloseAndReopen(t *testing.T) {
	g := NewGate()

	g.Close()
	if !g.Closed() {
		t.Error("gate should report closed after Close")
	}

	g.Open()
	if g.Closed() {
		t.Error("gate should report open after Open")
	}
}
