package audio

import "encoding/binary"

// wavHeaderSize is the standard 44-byte RIFF/WAVE header.
const wavHeaderSize = 44

// PCMToWAV wraps raw PCM16 data in a minimal self-describing WAV container.
// The playback device accepts containers, not bare PCM, so every queued
// playback item goes through this. Header fields are little-endian and the
// chunk sizes must be exact or the item is unplayable.
func PCMToWAV(pcm []byte, sampleRate, bitsPerSample, channels int) []byte {
	dataLen := len(pcm)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	buf := make([]byte, wavHeaderSize+dataLen)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataLen)) // file size - 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16) // sub-chunk size for PCM
	binary.LittleEndian.PutUint16(buf[20:22], 1)  // format tag 1 = linear PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bitsPerSample))

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))

	copy(buf[wavHeaderSize:], pcm)
	return buf
}

// PCMToWAVSession wraps PCM data using the fixed session audio parameters.
func PCMToWAVSession(pcm []byte) []byte {
	return PCMToWAV(pcm, SampleRate, BitsPerSample, Channels)
}
