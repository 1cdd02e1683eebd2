package audio

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestFloatsToPCM16(t *testing.T) {
	t.Run("clamps before conversion", func(t *testing.T) {
		// Values beyond [-1, 1] must clamp, not wrap.
		in := []float32{2.5, -3.0, 1.0, -1.0}
		out := BytesToSamples(FloatsToPCM16(in))

		if out[0] != 32767 {
			t.Errorf("over-range sample = %d, want 32767", out[0])
		}
		if out[1] != -32767 {
			t.Errorf("under-range sample = %d, want -32767", out[1])
		}
		if out[2] != 32767 || out[3] != -32767 {
			t.Errorf("full-scale samples = %d, %d", out[2], out[3])
		}
	})

	t.Run("round trip within one LSB", func(t *testing.T) {
		in := make([]float32, 480)
		for i := range in {
			in[i] = float32(math.Sin(2 * math.Pi * float64(i) / 480))
		}

		got := PCM16ToFloats(FloatsToPCM16(in))
		if len(got) != len(in) {
			t.Fatalf("length = %d, want %d", len(got), len(in))
		}

		const lsb = 1.0 / 32767
		for i := range in {
			if diff := math.Abs(float64(got[i] - in[i])); diff > lsb {
				t.Fatalf("sample %d: diff %f exceeds 1 LSB", i, diff)
			}
		}
	})

	t.Run("little endian byte order", func(t *testing.T) {
		out := FloatsToPCM16([]float32{1.0})
		if got := int16(binary.LittleEndian.Uint16(out)); got != 32767 {
			t.Errorf("decoded LE sample = %d, want 32767", got)
		}
	})
}

func TestEncodeWireChunks(t *testing.T) {
	t.Run("empty input", func(t *testing.T) {
		if chunks := EncodeWireChunks(nil); chunks != nil {
			t.Errorf("expected nil, got %d chunks", len(chunks))
		}
	})

	t.Run("splits large buffers", func(t *testing.T) {
		pcm := make([]byte, MaxWireChunkBytes*2+100)
		for i := range pcm {
			pcm[i] = byte(i)
		}

		chunks := EncodeWireChunks(pcm)
		if len(chunks) != 3 {
			t.Fatalf("chunks = %d, want 3", len(chunks))
		}

		// Reassembly must be byte-exact.
		var back []byte
		for _, c := range chunks {
			raw, err := DecodeWireChunk(c)
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if len(raw) > MaxWireChunkBytes {
				t.Fatalf("chunk of %d bytes exceeds bound", len(raw))
			}
			back = append(back, raw...)
		}
		if string(back) != string(pcm) {
			t.Error("reassembled bytes differ from input")
		}
	})
}

func TestFrame(t *testing.T) {
	f := Frame{PCM: make([]byte, BytesPerSecond)}
	if d := f.Duration(); d.Seconds() != 1.0 {
		t.Errorf("one second of PCM reports %v", d)
	}

	samples := []int16{-32768, -1, 0, 1, 32767}
	round := BytesToSamples(SamplesToBytes(samples))
	for i, s := range samples {
		if round[i] != s {
			t.Errorf("sample %d: %d != %d", i, round[i], s)
		}
	}
}
