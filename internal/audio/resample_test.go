package audio

import (
	"math"
	"testing"
	"time"
)

func sine(rate int, freq float64, dur time.Duration) []int16 {
	n := int(float64(rate) * dur.Seconds())
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(10000 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func TestResampleLengthRatio(t *testing.T) {
	in := sine(8000, 440, 100*time.Millisecond) // 800 samples
	up := Resample(in, 8000, 24000)
	if len(up) != 3*len(in) {
		t.Fatalf("upsample length %d, want %d", len(up), 3*len(in))
	}
	down := Resample(up, 24000, 8000)
	if len(down) != len(in) {
		t.Fatalf("round-trip length %d, want %d", len(down), len(in))
	}
}

func TestResampleRoundTripPreservesSignal(t *testing.T) {
	in := sine(8000, 440, 100*time.Millisecond)
	back := Resample(Resample(in, 8000, 24000), 24000, 8000)

	// A 440 Hz tone is far below the 4 kHz Nyquist limit; linear
	// interpolation up and back should be near-transparent.
	var maxErr float64
	for i := range back {
		if i >= len(in) {
			break
		}
		if d := math.Abs(float64(back[i]) - float64(in[i])); d > maxErr {
			maxErr = d
		}
	}
	if maxErr > 500 {
		t.Fatalf("round-trip max error %.0f too large", maxErr)
	}
}

func TestResampleSameRateCopies(t *testing.T) {
	in := []int16{1, 2, 3}
	out := Resample(in, 8000, 8000)
	if len(out) != 3 || out[0] != 1 || out[2] != 3 {
		t.Fatalf("unexpected output %v", out)
	}
	out[0] = 99
	if in[0] == 99 {
		t.Fatalf("same-rate resample must not alias input")
	}
}

func TestResampleDegenerateInputs(t *testing.T) {
	if out := Resample(nil, 8000, 24000); out != nil {
		t.Fatalf("nil input should yield nil")
	}
	if out := Resample([]int16{1}, 0, 24000); out != nil {
		t.Fatalf("bad rate should yield nil")
	}
}

func TestPCM16BytesRoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768}
	got := BytesPCM16(PCM16Bytes(in))
	if len(got) != len(in) {
		t.Fatalf("length %d != %d", len(got), len(in))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Fatalf("sample %d: %d != %d", i, got[i], in[i])
		}
	}
}

func TestTelephonyFrameBridges(t *testing.T) {
	frame := EncodeMulaw(sine(8000, 300, 20*time.Millisecond)) // 160 bytes
	pcm := DecodeTelephonyFrame(frame, 24000)
	if len(pcm) != 160*3*2 {
		t.Fatalf("upsampled byte length %d, want %d", len(pcm), 160*3*2)
	}
	back := EncodeTelephonyFrame(pcm, 24000)
	if len(back) != len(frame) {
		t.Fatalf("downsampled frame length %d, want %d", len(back), len(frame))
	}
}

func TestDuration(t *testing.T) {
	if d := Duration(8000, 8000); d != time.Second {
		t.Fatalf("expected 1s, got %v", d)
	}
	if d := Duration(12000, 24000); d != 500*time.Millisecond {
		t.Fatalf("expected 500ms, got %v", d)
	}
	if d := Duration(100, 0); d != 0 {
		t.Fatalf("expected 0 for bad rate, got %v", d)
	}
}
