package audio

import (
	"encoding/binary"
	"math"
)

// Float32ToInt16 converts normalized float samples to signed 16-bit PCM.
// Each sample is clamped to [-1, 1] and scaled by 0x8000 when negative and
// 0x7FFF otherwise, so -1 maps to -32768 and 1 maps to 32767. NaN maps to 0.
func Float32ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if math.IsNaN(float64(s)) {
			continue
		}
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		if s < 0 {
			out[i] = int16(s * 0x8000)
		} else {
			out[i] = int16(s * 0x7FFF)
		}
	}
	return out
}

// Int16ToBytes serializes PCM16 samples as little-endian bytes
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToFloat32 decodes little-endian IEEE-754 float32 samples. A trailing
// partial sample is ignored.
func BytesToFloat32(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

// Resampler converts a stream of frames to a fixed output rate by linear
// interpolation. The source position and the last input sample carry over
// between calls, so frame boundaries neither drop output samples nor add
// discontinuities. A Resampler is not safe for concurrent use.
type Resampler struct {
	outputRate int
	inputRate  int
	pos        float64 // next output position; -1 addresses the previous frame's last sample
	last       float32
}

// NewResampler creates a resampler producing outputRate samples per second
func NewResampler(outputRate int) *Resampler {
	return &Resampler{outputRate: outputRate}
}

// Process resamples the next frame of a stream running at inputRate. Frames
// already at the output rate are returned unchanged. A change of input rate
// starts a fresh stream.
func (r *Resampler) Process(samples []float32, inputRate int) []float32 {
	if inputRate == r.outputRate || inputRate <= 0 || r.outputRate <= 0 || len(samples) == 0 {
		return samples
	}
	if inputRate != r.inputRate {
		r.inputRate = inputRate
		r.pos = 0
		r.last = samples[0]
	}

	step := float64(inputRate) / float64(r.outputRate)
	end := float64(len(samples) - 1)
	output := make([]float32, 0, int(float64(len(samples))/step)+1)

	for ; r.pos <= end; r.pos += step {
		idx0 := int(math.Floor(r.pos))
		fraction := float32(r.pos - float64(idx0))

		s0 := r.last
		if idx0 >= 0 {
			s0 = samples[idx0]
		}
		s1 := s0
		if idx0+1 < len(samples) {
			s1 = samples[idx0+1]
		}
		output = append(output, s0*(1-fraction)+s1*fraction)
	}

	r.pos -= float64(len(samples))
	r.last = samples[len(samples)-1]
	return output
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
// Useful for detecting audio levels and silence
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}
