package audio

import (
	"encoding/binary"
	"time"
)

// Resample converts pcm from one sample rate to another by linear
// interpolation. Good enough for narrowband phone speech; anything fancier
// buys nothing at an 8 kHz source.
func Resample(pcm []int16, from, to int) []int16 {
	if from <= 0 || to <= 0 || len(pcm) == 0 {
		return nil
	}
	if from == to {
		out := make([]int16, len(pcm))
		copy(out, pcm)
		return out
	}

	outLen := len(pcm) * to / from
	if outLen == 0 {
		return nil
	}
	out := make([]int16, outLen)
	for i := range out {
		// fixed-point source position: i * from / to
		num := i * from
		idx := num / to
		frac := num % to

		if idx+1 >= len(pcm) {
			out[i] = pcm[len(pcm)-1]
			continue
		}
		a := int(pcm[idx])
		b := int(pcm[idx+1])
		out[i] = int16(a + (b-a)*frac/to)
	}
	return out
}

// DecodeTelephonyFrame converts an 8 kHz µ-law frame to 16-bit little-endian
// PCM at modelRate, the shape the speech session ingests.
func DecodeTelephonyFrame(frame []byte, modelRate int) []byte {
	pcm := DecodeMulaw(frame)
	up := Resample(pcm, TelephonyRate, modelRate)
	return PCM16Bytes(up)
}

// EncodeTelephonyFrame converts 16-bit little-endian PCM at modelRate down
// to an 8 kHz µ-law frame for the telephony leg.
func EncodeTelephonyFrame(pcm16 []byte, modelRate int) []byte {
	pcm := BytesPCM16(pcm16)
	down := Resample(pcm, modelRate, TelephonyRate)
	return EncodeMulaw(down)
}

// PCM16Bytes serializes samples as 16-bit little-endian.
func PCM16Bytes(pcm []int16) []byte {
	out := make([]byte, 2*len(pcm))
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// BytesPCM16 parses 16-bit little-endian samples. A trailing odd byte is
// dropped.
func BytesPCM16(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}

// Duration reports the play time of sampleCount samples at rate.
func Duration(sampleCount, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(sampleCount) * time.Second / time.Duration(rate)
}
