package audio

// G.711 PCMU (μ-law) companding, as carried on telephony media streams.
// Encoding operates on the law's 14-bit domain (16-bit samples are shifted
// down by two), so the full int16 range round-trips within one quantization
// step of the top segment.

const (
	// PCMUSilence is the μ-law code for a zero-amplitude sample.
	PCMUSilence = 0xFF

	mulawBias = 33
	mulawClip = 8158
)

// mulawDecodeTable maps each of the 256 μ-law codes to its 16-bit linear
// value, precomputed at startup.
var mulawDecodeTable [256]int16

func init() {
	for i := 0; i < 256; i++ {
		mulawDecodeTable[i] = mulawToLinear(byte(i))
	}
}

// ConvertPCMUToPCM converts G.711 PCMU (μ-law) audio to 16-bit linear PCM
// (little-endian). Output is exactly twice the input length.
func ConvertPCMUToPCM(pcmuData []byte) []byte {
	pcmData := make([]byte, len(pcmuData)*2)
	for i, code := range pcmuData {
		sample := mulawDecodeTable[code]
		pcmData[i*2] = byte(sample)
		pcmData[i*2+1] = byte(sample >> 8)
	}
	return pcmData
}

// ConvertPCMToPCMU converts 16-bit linear PCM (little-endian) to G.711 PCMU.
// A dangling odd byte is ignored. Output is half the (even) input length.
func ConvertPCMToPCMU(pcmData []byte) []byte {
	n := len(pcmData) / 2
	pcmuData := make([]byte, n)
	for i := 0; i < n; i++ {
		sample := int16(pcmData[i*2]) | int16(pcmData[i*2+1])<<8
		pcmuData[i] = linearToMulaw(sample)
	}
	return pcmuData
}

// linearToMulaw converts a 16-bit linear PCM sample to 8-bit μ-law
// (ITU-T G.711): clamp, bias, find the bounding segment, extract the
// 4-bit mantissa, pack sign/segment/mantissa, invert all bits.
func linearToMulaw(sample int16) byte {
	var sign byte
	magnitude := int32(sample) >> 2
	if magnitude < 0 {
		sign = 0x80
		magnitude = -magnitude
	}
	if magnitude > mulawClip {
		magnitude = mulawClip
	}
	magnitude += mulawBias

	// Smallest segment whose upper bound contains the biased magnitude.
	// Segment s covers biased values up to (1<<(s+6))-1.
	var segment byte
	for bound := int32(0x40); segment < 7 && magnitude >= bound; bound <<= 1 {
		segment++
	}

	mantissa := byte((magnitude >> (segment + 1)) & 0x0F)
	return ^(sign | segment<<4 | mantissa)
}

// mulawToLinear converts an 8-bit μ-law code to a 16-bit linear PCM sample.
// step = (mantissa << (segment+1)) + (bias << segment); the decoded 14-bit
// magnitude is step - bias, scaled back up to the 16-bit range.
func mulawToLinear(code byte) int16 {
	code = ^code
	sign := code & 0x80
	segment := int32((code >> 4) & 0x07)
	mantissa := int32(code & 0x0F)

	step := mantissa << (segment + 1)
	step += mulawBias << segment
	magnitude := (step - mulawBias) << 2

	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// bytesToSamples reinterprets little-endian 16-bit PCM bytes as samples.
// A dangling odd byte is ignored.
func bytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return samples
}

// samplesToBytes serializes samples as little-endian 16-bit PCM bytes.
func samplesToBytes(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, sample := range samples {
		pcm[i*2] = byte(sample)
		pcm[i*2+1] = byte(sample >> 8)
	}
	return pcm
}
