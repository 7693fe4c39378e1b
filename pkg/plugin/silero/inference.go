package silero

import (
	"fmt"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/chriscow/voice-agents-go/internal/onnxenv"
)

// The v5 model takes a fixed window of 16 kHz samples prefixed with the tail
// of the previous window, plus the recurrent state and the sample rate.
const (
	internalRate   = 16000
	windowSamples  = 512 // 32 ms
	contextSamples = 64
	windowDuration = time.Duration(windowSamples) * time.Second / internalRate

	stateLen = 2 * 1 * 128
)

// inferenceSession binds the Silero model to reusable tensors. The recurrent
// state and audio context carry across Score calls, so a session belongs to
// exactly one stream and must not be shared.
type inferenceSession struct {
	session *ort.AdvancedSession

	input     *ort.Tensor[float32] // [1, contextSamples+windowSamples]
	state     *ort.Tensor[float32] // [2, 1, 128]
	rate      *ort.Tensor[int64]   // scalar
	prob      *ort.Tensor[float32] // [1, 1]
	nextState *ort.Tensor[float32] // [2, 1, 128]

	context [contextSamples]float32
}

func newInferenceSession(modelFile string) (*inferenceSession, error) {
	if err := onnxenv.EnsureEnv(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
	}

	s := &inferenceSession{}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	var err error
	if s.input, err = ort.NewEmptyTensor[float32](ort.NewShape(1, contextSamples+windowSamples)); err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	if s.state, err = ort.NewTensor(ort.NewShape(2, 1, 128), make([]float32, stateLen)); err != nil {
		return nil, fmt.Errorf("failed to create state tensor: %w", err)
	}
	if s.rate, err = ort.NewTensor(ort.NewShape(), []int64{internalRate}); err != nil {
		return nil, fmt.Errorf("failed to create rate tensor: %w", err)
	}
	if s.prob, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 1)); err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	if s.nextState, err = ort.NewEmptyTensor[float32](ort.NewShape(2, 1, 128)); err != nil {
		return nil, fmt.Errorf("failed to create state output tensor: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	// One window is tiny; extra threads only add scheduling overhead.
	if err := options.SetIntraOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("failed to set inter-op threads: %w", err)
	}

	s.session, err = ort.NewAdvancedSession(
		modelFile,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		[]ort.Value{s.input, s.state, s.rate},
		[]ort.Value{s.prob, s.nextState},
		options,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	ok = true
	return s, nil
}

// Score runs one window through the model and returns its speech
// probability. len(window) must be windowSamples.
func (s *inferenceSession) Score(window []float32) (float64, error) {
	if len(window) != windowSamples {
		return 0, fmt.Errorf("window must be %d samples, got %d", windowSamples, len(window))
	}

	in := s.input.GetData()
	copy(in, s.context[:])
	copy(in[contextSamples:], window)

	if err := s.session.Run(); err != nil {
		return 0, fmt.Errorf("ONNX inference failed: %w", err)
	}

	copy(s.state.GetData(), s.nextState.GetData())
	copy(s.context[:], window[windowSamples-contextSamples:])

	out := s.prob.GetData()
	if len(out) == 0 {
		return 0, fmt.Errorf("empty output tensor")
	}

	p := float64(out[0])
	if p < 0 {
		p = 0
	} else if p > 1 {
		p = 1
	}
	return p, nil
}

// Close releases the session and its tensors. Safe on partially built
// sessions.
func (s *inferenceSession) Close() {
	if s.session != nil {
		s.session.Destroy()
	}
	for _, t := range []*ort.Tensor[float32]{s.input, s.state, s.prob, s.nextState} {
		if t != nil {
			t.Destroy()
		}
	}
	if s.rate != nil {
		s.rate.Destroy()
	}
}
