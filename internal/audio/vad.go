package audio

// VADConfig holds configuration for energy-based voice activity detection
type VADConfig struct {
	EnergyThreshold float64 // RMS energy threshold for speech
	SilenceFrames   int     // Consecutive silent frames that end speech
	FrameMs         int     // Frame length in milliseconds
	SampleRate      int
}

// DefaultVADConfig returns a default VAD configuration
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   10, // 200ms of silence
		FrameMs:         20,
		SampleRate:      DefaultSampleRate,
	}
}

func (c *VADConfig) frameSamples() int {
	n := c.SampleRate * c.FrameMs / 1000
	if n <= 0 {
		return 1
	}
	return n
}

// VADResult summarizes one Process call
type VADResult struct {
	Speaking      bool
	SpeechStarted bool
	SpeechEnded   bool
	VoicedMs      int // milliseconds of frames above the threshold
}

// VADDetector splits PCM16 audio into fixed frames and tracks speech onset and offset.
// Not safe for concurrent use.
type VADDetector struct {
	config         *VADConfig
	silenceCounter int
	isSpeaking     bool
	pending        []int16
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	if config.SampleRate <= 0 {
		config.SampleRate = DefaultSampleRate
	}
	if config.FrameMs <= 0 {
		config.FrameMs = 20
	}
	return &VADDetector{config: config}
}

// Process consumes a PCM16 chunk. Samples that do not fill a whole frame are kept for the next call.
func (v *VADDetector) Process(data []byte) VADResult {
	v.pending = append(v.pending, BytesToSamples(data)...)
	frameSize := v.config.frameSamples()

	var result VADResult
	for len(v.pending) >= frameSize {
		speaking, started, ended := v.ProcessFrame(v.pending[:frameSize])
		v.pending = v.pending[frameSize:]

		if started {
			result.SpeechStarted = true
		}
		if ended {
			result.SpeechEnded = true
		}
		if speaking && v.silenceCounter == 0 {
			result.VoicedMs += v.config.FrameMs
		}
	}

	// Drop consumed backing storage
	if len(v.pending) == 0 {
		v.pending = nil
	}

	result.Speaking = v.isSpeaking
	return result
}

// ProcessFrame processes a single frame.
// Returns: (isSpeaking, speechStarted, speechEnded)
func (v *VADDetector) ProcessFrame(samples []int16) (bool, bool, bool) {
	frameHasSpeech := CalculateRMS(samples) > v.config.EnergyThreshold

	var speechStarted, speechEnded bool

	if frameHasSpeech {
		v.silenceCounter = 0
		if !v.isSpeaking {
			speechStarted = true
			v.isSpeaking = true
		}
	} else {
		v.silenceCounter++
		if v.isSpeaking && v.silenceCounter >= v.config.SilenceFrames {
			speechEnded = true
			v.isSpeaking = false
			v.silenceCounter = 0
		}
	}

	return v.isSpeaking, speechStarted, speechEnded
}

// Reset resets the detector state
func (v *VADDetector) Reset() {
	v.silenceCounter = 0
	v.isSpeaking = false
	v.pending = nil
}

// IsSpeaking returns whether speech is currently detected
func (v *VADDetector) IsSpeaking() bool {
	return v.isSpeaking
}
