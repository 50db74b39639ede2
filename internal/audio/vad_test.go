package audio

import (
	"testing"
)

func testVAD() *VADDetector {
	return NewVADDetector(&VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   10,
		FrameMs:         20,
		SampleRate:      16000,
	})
}

// constantFrame returns one 20ms frame at 16kHz
func constantFrame(amplitude int16) []int16 {
	samples := make([]int16, 320)
	for i := range samples {
		samples[i] = amplitude
	}
	return samples
}

func TestVADDetector_ProcessFrame_Speech(t *testing.T) {
	vad := testVAD()
	samples := constantFrame(5000)

	for i := 0; i < 5; i++ {
		isSpeaking, speechStarted, _ := vad.ProcessFrame(samples)
		if !isSpeaking {
			t.Errorf("Expected speech detection on frame %d", i)
		}
		if i == 0 && !speechStarted {
			t.Error("Expected speech to start on first frame")
		}
		if i > 0 && speechStarted {
			t.Errorf("Expected no second onset on frame %d", i)
		}
	}
}

func TestVADDetector_ProcessFrame_Silence(t *testing.T) {
	vad := testVAD()
	samples := constantFrame(10)

	for i := 0; i < 15; i++ {
		if isSpeaking, _, _ := vad.ProcessFrame(samples); isSpeaking {
			t.Errorf("Expected silence on frame %d", i)
		}
	}
}

func TestVADDetector_ProcessFrame_SpeechToSilence(t *testing.T) {
	vad := testVAD()

	for i := 0; i < 5; i++ {
		vad.ProcessFrame(constantFrame(5000))
	}

	endedAt := -1
	for i := 0; i < 15; i++ {
		if _, _, ended := vad.ProcessFrame(constantFrame(10)); ended {
			endedAt = i
			break
		}
	}

	if endedAt != 9 {
		t.Errorf("Expected speech to end on the 10th silent frame, got index %d", endedAt)
	}
}

func TestVADDetector_Threshold(t *testing.T) {
	low := NewVADDetector(&VADConfig{EnergyThreshold: 100.0, SilenceFrames: 10})
	high := NewVADDetector(&VADConfig{EnergyThreshold: 5000.0, SilenceFrames: 10})

	samples := constantFrame(1000)

	if isSpeaking, _, _ := low.ProcessFrame(samples); !isSpeaking {
		t.Error("Expected low threshold to detect speech")
	}
	if isSpeaking, _, _ := high.ProcessFrame(samples); isSpeaking {
		t.Error("Expected high threshold to not detect speech")
	}
}

func TestVADDetector_Process_VoicedMs(t *testing.T) {
	vad := testVAD()

	// 100ms of speech followed by 40ms of silence, in one chunk
	var samples []int16
	for i := 0; i < 5; i++ {
		samples = append(samples, constantFrame(5000)...)
	}
	for i := 0; i < 2; i++ {
		samples = append(samples, constantFrame(0)...)
	}

	result := vad.Process(SamplesToBytes(samples))
	if !result.SpeechStarted {
		t.Error("Expected SpeechStarted")
	}
	if result.VoicedMs != 100 {
		t.Errorf("Expected 100 voiced ms, got %d", result.VoicedMs)
	}
	if !result.Speaking {
		t.Error("Expected detector to still be in speech after 2 silent frames")
	}
}

func TestVADDetector_Process_PartialFrames(t *testing.T) {
	vad := testVAD()
	frame := SamplesToBytes(constantFrame(5000))

	// Half a frame is held back until the rest arrives
	first := vad.Process(frame[:len(frame)/2])
	if first.VoicedMs != 0 || first.Speaking {
		t.Errorf("Expected no decision on a partial frame, got %+v", first)
	}

	second := vad.Process(frame[len(frame)/2:])
	if second.VoicedMs != 20 || !second.SpeechStarted {
		t.Errorf("Expected one voiced frame, got %+v", second)
	}
}

func TestVADDetector_Reset(t *testing.T) {
	vad := testVAD()
	vad.ProcessFrame(constantFrame(5000))

	if !vad.IsSpeaking() {
		t.Fatal("Expected speech to be detected")
	}

	vad.Reset()
	if vad.IsSpeaking() {
		t.Error("Expected speech state to be false after reset")
	}
}

func TestDefaultVADConfig(t *testing.T) {
	config := DefaultVADConfig()
	if config.EnergyThreshold != 500.0 {
		t.Errorf("Expected default EnergyThreshold 500.0, got %f", config.EnergyThreshold)
	}
	if config.SilenceFrames != 10 {
		t.Errorf("Expected default SilenceFrames 10, got %d", config.SilenceFrames)
	}
	if config.frameSamples() != 320 {
		t.Errorf("Expected 320 samples per frame at 16kHz, got %d", config.frameSamples())
	}
}
