// Package audio converts between the two wire formats the voice relay
// bridges: 8 kHz G.711 µ-law frames on the telephony leg and 16-bit linear
// PCM at the speech model's sample rate.
package audio

// G.711 µ-law companding. 8-bit logarithmic samples, sign-magnitude with a
// 3-bit exponent and 4-bit mantissa, transmitted inverted.

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// TelephonyRate is the sample rate of the telephony media stream.
const TelephonyRate = 8000

var encodeExp [256]byte

func init() {
	// exponent lookup keyed by the top magnitude bits
	for i := range encodeExp {
		e := byte(7)
		for mask := 0x80; mask > 0x01 && i&mask == 0; mask >>= 1 {
			e--
		}
		encodeExp[i] = e
	}
	encodeExp[0] = 0
}

// EncodeMulawSample compands one linear 16-bit sample to µ-law.
func EncodeMulawSample(s int16) byte {
	v := int(s)
	sign := byte(0)
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > mulawClip {
		v = mulawClip
	}
	v += mulawBias

	exp := encodeExp[(v>>7)&0xFF]
	mantissa := byte(v>>(exp+3)) & 0x0F
	return ^(sign | exp<<4 | mantissa)
}

// DecodeMulawSample expands one µ-law byte to a linear 16-bit sample.
func DecodeMulawSample(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exp := (b >> 4) & 0x07
	mantissa := b & 0x0F

	v := ((int(mantissa)<<3 + mulawBias) << exp) - mulawBias
	if sign != 0 {
		v = -v
	}
	return int16(v)
}

// DecodeMulaw expands a µ-law frame into linear PCM samples.
func DecodeMulaw(frame []byte) []int16 {
	out := make([]int16, len(frame))
	for i, b := range frame {
		out[i] = DecodeMulawSample(b)
	}
	return out
}

// EncodeMulaw compands linear PCM samples into a µ-law frame.
func EncodeMulaw(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = EncodeMulawSample(s)
	}
	return out
}
