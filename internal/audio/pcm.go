package audio

import (
	"fmt"
	"math"
)

// PCM16 mono constants used across the gateway
const (
	DefaultSampleRate = 16000
	BytesPerSample    = 2
)

// BytesForDuration returns the PCM16 mono byte count for durationMs, rounded down to a whole sample.
func BytesForDuration(durationMs, sampleRate int) int {
	n := durationMs * sampleRate * BytesPerSample / 1000
	return n - n%BytesPerSample
}

// DurationMs returns the duration in milliseconds of numBytes of PCM16 mono audio.
func DurationMs(numBytes, sampleRate int) int {
	if sampleRate <= 0 || numBytes <= 0 {
		return 0
	}
	samples := numBytes / BytesPerSample
	return samples * 1000 / sampleRate
}

// BytesToSamples decodes little-endian PCM16. A trailing odd byte is ignored.
func BytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
	}
	return samples
}

// SamplesToBytes encodes samples as little-endian PCM16
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}

// ResamplePCM16 converts PCM16 mono audio between sample rates with linear interpolation.
func ResamplePCM16(data []byte, fromRate, toRate int) ([]byte, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates %d -> %d", fromRate, toRate)
	}
	if len(data)%BytesPerSample != 0 {
		return nil, fmt.Errorf("PCM16 data length must be even, got %d", len(data))
	}
	if fromRate == toRate || len(data) == 0 {
		return data, nil
	}

	return SamplesToBytes(resample(BytesToSamples(data), fromRate, toRate)), nil
}

func resample(samples []int16, inputRate, outputRate int) []int16 {
	ratio := float64(outputRate) / float64(inputRate)
	outputLength := int(float64(len(samples)) * ratio)
	output := make([]int16, outputLength)

	for i := 0; i < outputLength; i++ {
		srcPos := float64(i) / ratio

		idx0 := int(srcPos)
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}

		fraction := srcPos - float64(idx0)
		output[i] = int16(float64(samples[idx0])*(1.0-fraction) + float64(samples[idx1])*fraction)
	}

	return output
}

// CalculateRMS calculates the root mean square of audio samples
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

// DetectSilence reports whether a PCM16 chunk is below the RMS threshold.
// Chunks shorter than one sample count as silent.
func DetectSilence(data []byte, threshold float64) bool {
	if len(data) < BytesPerSample {
		return true
	}
	return CalculateRMS(BytesToSamples(data)) < threshold
}
