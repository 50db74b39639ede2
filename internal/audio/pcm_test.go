package audio

import (
	"bytes"
	"testing"
)

func TestDurationMs(t *testing.T) {
	tests := []struct {
		name       string
		numBytes   int
		sampleRate int
		expected   int
	}{
		{"one second at 16kHz", 32000, 16000, 1000},
		{"20ms at 16kHz", 640, 16000, 20},
		{"one second at 24kHz", 48000, 24000, 1000},
		{"empty", 0, 16000, 0},
		{"invalid rate", 640, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DurationMs(tt.numBytes, tt.sampleRate); got != tt.expected {
				t.Errorf("Expected %d ms, got %d", tt.expected, got)
			}
		})
	}
}

func TestBytesForDuration(t *testing.T) {
	if got := BytesForDuration(500, 16000); got != 16000 {
		t.Errorf("Expected 16000 bytes for 500ms, got %d", got)
	}
	if got := BytesForDuration(1, 11025); got%2 != 0 {
		t.Errorf("Expected sample-aligned byte count, got %d", got)
	}
}

func TestBytesToSamples(t *testing.T) {
	data := []byte{0x01, 0x00, 0xFF, 0xFF, 0x00, 0x80, 0x7F}
	samples := BytesToSamples(data)

	expected := []int16{1, -1, -32768}
	if len(samples) != len(expected) {
		t.Fatalf("Expected %d samples, got %d", len(expected), len(samples))
	}
	for i := range expected {
		if samples[i] != expected[i] {
			t.Errorf("sample %d: expected %d, got %d", i, expected[i], samples[i])
		}
	}
}

func TestSamplesToBytes(t *testing.T) {
	samples := []int16{1, -1, 32767}
	expected := []byte{0x01, 0x00, 0xFF, 0xFF, 0xFF, 0x7F}

	if got := SamplesToBytes(samples); !bytes.Equal(got, expected) {
		t.Errorf("Expected %v, got %v", expected, got)
	}
}

func TestResamplePCM16(t *testing.T) {
	// 24kHz -> 16kHz keeps two thirds of the samples
	input := SamplesToBytes(make([]int16, 480))
	out, err := ResamplePCM16(input, 24000, 16000)
	if err != nil {
		t.Fatalf("ResamplePCM16: %v", err)
	}
	if len(out) != 640 {
		t.Errorf("Expected 640 bytes, got %d", len(out))
	}

	same, err := ResamplePCM16(input, 16000, 16000)
	if err != nil || !bytes.Equal(same, input) {
		t.Error("Expected identical rates to return the input")
	}
}

func TestResamplePCM16_Interpolates(t *testing.T) {
	input := SamplesToBytes([]int16{0, 1000})
	out, err := ResamplePCM16(input, 8000, 16000)
	if err != nil {
		t.Fatalf("ResamplePCM16: %v", err)
	}

	samples := BytesToSamples(out)
	if len(samples) != 4 {
		t.Fatalf("Expected 4 samples, got %d", len(samples))
	}
	if samples[1] != 500 {
		t.Errorf("Expected interpolated sample 500, got %d", samples[1])
	}
}

func TestResamplePCM16_Errors(t *testing.T) {
	if _, err := ResamplePCM16([]byte{1, 2, 3}, 24000, 16000); err == nil {
		t.Error("Expected error for odd-length input")
	}
	if _, err := ResamplePCM16([]byte{1, 2}, 0, 16000); err == nil {
		t.Error("Expected error for invalid rate")
	}
}

func TestCalculateRMS(t *testing.T) {
	samples := []int16{1000, -1000, 2000, -2000}
	rms := CalculateRMS(samples)

	// sqrt((1000^2 + 1000^2 + 2000^2 + 2000^2) / 4)
	expected := 1581.14
	if rms < expected-1 || rms > expected+1 {
		t.Errorf("Expected RMS around %.2f, got %.2f", expected, rms)
	}

	if CalculateRMS(nil) != 0 {
		t.Error("Expected RMS of no samples to be 0")
	}
}

func TestDetectSilence(t *testing.T) {
	if DetectSilence(SamplesToBytes([]int16{5000, 5000, 5000}), 1000.0) {
		t.Error("Expected high energy samples to not be silence")
	}
	if !DetectSilence(SamplesToBytes([]int16{10, 10, 10}), 1000.0) {
		t.Error("Expected low energy samples to be silence")
	}
	if !DetectSilence([]byte{0x7F}, 1000.0) {
		t.Error("Expected sub-sample chunk to be silence")
	}
}
