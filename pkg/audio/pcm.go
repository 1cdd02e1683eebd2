package audio

import "encoding/base64"

// MaxWireChunkBytes bounds the PCM payload of a single framed data-channel
// message before base64 expansion. Keeps individual event-channel messages
// well under transport message-size limits.
const MaxWireChunkBytes = 15 * 1024

// FloatsToPCM16 converts linear float samples to PCM16 little-endian bytes.
// Samples are clamped to [-1, 1] before integer conversion; clamping first
// is what prevents wraparound distortion on hot input.
func FloatsToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		s := int16(v * 32767)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// PCM16ToFloats converts PCM16 little-endian bytes back to float samples
// in [-1, 1]. Round-tripping through FloatsToPCM16 is lossy only by the
// 16-bit quantization step (1 LSB).
func PCM16ToFloats(data []byte) []float32 {
	samples := BytesToSamples(data)
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32767
	}
	return out
}

// EncodeWireChunks packs PCM16 bytes into base64 chunks sized for the
// event channel. The split is on raw-byte boundaries aligned to whole
// samples so no chunk ends mid-sample.
func EncodeWireChunks(pcm []byte) []string {
	if len(pcm) == 0 {
		return nil
	}
	chunks := make([]string, 0, len(pcm)/MaxWireChunkBytes+1)
	for off := 0; off < len(pcm); off += MaxWireChunkBytes {
		end := off + MaxWireChunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		chunks = append(chunks, base64.StdEncoding.EncodeToString(pcm[off:end]))
	}
	return chunks
}

// DecodeWireChunk decodes one base64 wire chunk back to PCM16 bytes.
func DecodeWireChunk(chunk string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(chunk)
}
