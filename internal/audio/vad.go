package audio

import "math"

// VADConfig holds configuration for voice activity detection.
type VADConfig struct {
	EnergyThreshold float64 // RMS energy threshold for speech detection
	SilenceFrames   int     // consecutive silent frames that end an utterance
}

// DefaultVADConfig returns thresholds tuned for 20 ms telephony frames.
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   10, // 200ms of silence (10 frames * 20ms)
	}
}

// VADDetector tracks speech activity across a stream of decoded PCM16
// frames. The gateway uses it for observability only: the translation
// backend runs its own turn detection, so detection here never gates
// forwarding.
type VADDetector struct {
	config         *VADConfig
	silenceCounter int
	isSpeaking     bool
}

// NewVADDetector creates a new VAD detector.
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	return &VADDetector{config: config}
}

// ProcessFrame consumes one frame of 16-bit little-endian PCM.
// Returns: (isSpeaking, speechStarted, speechEnded)
func (v *VADDetector) ProcessFrame(pcm []byte) (bool, bool, bool) {
	rms := CalculateRMS(bytesToSamples(pcm))
	frameHasSpeech := rms > v.config.EnergyThreshold

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

// Reset resets the detector state.
func (v *VADDetector) Reset() {
	v.silenceCounter = 0
	v.isSpeaking = false
}

// IsSpeaking returns whether speech is currently detected.
func (v *VADDetector) IsSpeaking() bool {
	return v.isSpeaking
}

// CalculateRMS calculates the root mean square of audio samples, used
// for detecting audio levels and silence.
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
