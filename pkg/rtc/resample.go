package rtc

import "fmt"

// Resampler converts mono PCM16 audio between sample rates using linear
// interpolation. It keeps the last input sample across calls so that frame
// boundaries in a continuous stream do not click.
//
// Not safe for concurrent use; each stream gets its own Resampler.
type Resampler struct {
	srcRate int
	dstRate int

	last    int16
	hasLast bool
	// frac is the fractional read position carried into the next buffer,
	// in units of 1/dstRate of a source sample.
	frac float64
}

// NewResampler creates a Resampler from srcRate to dstRate.
func NewResampler(srcRate, dstRate int) (*Resampler, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("resampler rates must be positive, got %d -> %d", srcRate, dstRate)
	}
	return &Resampler{srcRate: srcRate, dstRate: dstRate}, nil
}

// Resample converts a mono PCM16 buffer. Same-rate input is returned as-is.
func (r *Resampler) Resample(pcm []byte) []byte {
	if r.srcRate == r.dstRate || len(pcm) == 0 {
		return pcm
	}

	in := samplesFromPCM(pcm)
	step := float64(r.srcRate) / float64(r.dstRate)

	// Virtual input includes the carried sample so interpolation spans
	// buffer boundaries.
	var virt []int16
	if r.hasLast {
		virt = make([]int16, 0, len(in)+1)
		virt = append(virt, r.last)
		virt = append(virt, in...)
	} else {
		virt = in
	}

	out := make([]int16, 0, int(float64(len(in))/step)+2)
	pos := r.frac
	for int(pos)+1 < len(virt) {
		i := int(pos)
		f := pos - float64(i)
		a, b := float64(virt[i]), float64(virt[i+1])
		out = append(out, int16(a+(b-a)*f))
		pos += step
	}

	r.frac = pos - float64(len(virt)-1)
	r.last = virt[len(virt)-1]
	r.hasLast = true

	return PCMFromSamples(out)
}

// ResampleFrame converts a mono frame to the destination rate, preserving the
// timestamp. Frames already at the destination rate pass through.
func (r *Resampler) ResampleFrame(f *AudioFrame) (*AudioFrame, error) {
	if f.NumChannels != 1 {
		return nil, fmt.Errorf("resampler supports mono audio only, got %d channels", f.NumChannels)
	}
	if f.SampleRate == r.dstRate {
		return f, nil
	}
	if f.SampleRate != r.srcRate {
		return nil, fmt.Errorf("resampler configured for %d Hz input, got %d Hz", r.srcRate, f.SampleRate)
	}

	data := r.Resample(f.Data)
	out, err := FrameFromPCM(data, r.dstRate, 1)
	if err != nil {
		return nil, err
	}
	out.Timestamp = f.Timestamp
	return out, nil
}

func samplesFromPCM(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
	}
	return out
}

// MonoFromStereo downmixes interleaved stereo PCM16 to mono by averaging
// channel pairs.
func MonoFromStereo(pcm []byte) []byte {
	samples := samplesFromPCM(pcm)
	mono := make([]int16, len(samples)/2)
	for i := range mono {
		l, r := int32(samples[i*2]), int32(samples[i*2+1])
		mono[i] = int16((l + r) / 2)
	}
	return PCMFromSamples(mono)
}
