package audio

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	EnergyThreshold float64 // RMS energy threshold for speech detection
	SilenceFrames   int     // Consecutive silent frames that end an utterance
	FrameSize       int     // Samples per analysis frame
}

// DefaultVADConfig returns a default VAD configuration for 16kHz input
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   25,  // 500ms of silence (25 frames * 20ms)
		FrameSize:       320, // 20ms at 16kHz
	}
}

// VADState is the outcome of analysing one frame
type VADState struct {
	Speaking      bool
	SpeechStarted bool
	SpeechEnded   bool
}

// VADDetector performs energy-based Voice Activity Detection. It is not safe
// for concurrent use.
type VADDetector struct {
	config         VADConfig
	silenceCounter int
	isSpeaking     bool
	pending        []int16
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	cfg := *config
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = DefaultVADConfig().FrameSize
	}
	return &VADDetector{config: cfg}
}

// ProcessFrame analyses one frame of samples
func (v *VADDetector) ProcessFrame(samples []int16) VADState {
	frameHasSpeech := CalculateRMS(samples) > v.config.EnergyThreshold

	var state VADState
	if frameHasSpeech {
		v.silenceCounter = 0
		if !v.isSpeaking {
			state.SpeechStarted = true
			v.isSpeaking = true
		}
	} else {
		v.silenceCounter++
		if v.isSpeaking && v.silenceCounter >= v.config.SilenceFrames {
			state.SpeechEnded = true
			v.isSpeaking = false
			v.silenceCounter = 0
		}
	}
	state.Speaking = v.isSpeaking

	return state
}

// Process splits an arbitrary run of samples into analysis frames, carrying
// any remainder into the next call, and returns the state of each frame.
func (v *VADDetector) Process(samples []int16) []VADState {
	v.pending = append(v.pending, samples...)

	var states []VADState
	size := v.config.FrameSize
	for len(v.pending) >= size {
		states = append(states, v.ProcessFrame(v.pending[:size]))
		v.pending = v.pending[size:]
	}
	if len(v.pending) == 0 {
		v.pending = nil
	}
	return states
}

// Reset resets the VAD detector state
func (v *VADDetector) Reset() {
	v.silenceCounter = 0
	v.isSpeaking = false
	v.pending = nil
}

// IsSpeaking returns whether speech is currently detected
func (v *VADDetector) IsSpeaking() bool {
	return v.isSpeaking
}

// DetectSilence detects if audio samples represent silence
func DetectSilence(samples []int16, threshold float64) bool {
	return CalculateRMS(samples) < threshold
}
