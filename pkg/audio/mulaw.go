// Package audio converts telephony audio between G.711 µ-law and 16-bit
// linear PCM and provides the small container/rate helpers the recognition
// and synthesis paths need.
package audio

import "encoding/binary"

const (
	mulawBias = 0x84
	mulawClip = 32635

	// SilenceByte is the µ-law code for a zero sample.
	SilenceByte byte = 0xFF

	// SampleRate is the telephony sample rate carried on the wire.
	SampleRate = 8000
)

var (
	mulawDecodeTable [256]int16
	mulawExpTable    [256]uint8
)

func init() {
	for i := 1; i < 256; i++ {
		exp := uint8(0)
		for v := i >> 1; v > 0; v >>= 1 {
			exp++
		}
		mulawExpTable[i] = exp
	}
	for i := 0; i < 256; i++ {
		mulawDecodeTable[i] = decodeMulaw(byte(i))
	}
}

func decodeMulaw(b byte) int16 {
	u := ^b
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F
	sample := ((int32(mantissa) << 3) + mulawBias) << exponent
	sample -= mulawBias
	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

// MulawToLinear expands one µ-law byte to a 16-bit sample.
func MulawToLinear(b byte) int16 {
	return mulawDecodeTable[b]
}

// LinearToMulaw compresses one 16-bit sample to µ-law.
func LinearToMulaw(s int16) byte {
	sample := int32(s)
	sign := (sample >> 8) & 0x80
	if sign != 0 {
		sample = -sample
	}
	if sample > mulawClip {
		sample = mulawClip
	}
	sample += mulawBias
	exponent := int32(mulawExpTable[(sample>>7)&0xFF])
	mantissa := (sample >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

// DecodeMulaw expands src into dst and returns the number of samples written.
func DecodeMulaw(dst []int16, src []byte) int {
	n := min(len(dst), len(src))
	for i := 0; i < n; i++ {
		dst[i] = mulawDecodeTable[src[i]]
	}
	return n
}

// EncodeMulaw compresses src into dst and returns the number of bytes written.
func EncodeMulaw(dst []byte, src []int16) int {
	n := min(len(dst), len(src))
	for i := 0; i < n; i++ {
		dst[i] = LinearToMulaw(src[i])
	}
	return n
}

// MulawToPCM16LE expands a µ-law buffer to little-endian 16-bit PCM.
func MulawToPCM16LE(src []byte) []byte {
	out := make([]byte, len(src)*2)
	for i, b := range src {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(mulawDecodeTable[b]))
	}
	return out
}

// PCM16LEToMulaw compresses little-endian 16-bit PCM to µ-law. A trailing
// odd byte is ignored.
func PCM16LEToMulaw(src []byte) []byte {
	out := make([]byte, len(src)/2)
	for i := range out {
		out[i] = LinearToMulaw(int16(binary.LittleEndian.Uint16(src[i*2:])))
	}
	return out
}

// Samples reinterprets little-endian PCM bytes as samples.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// PCMBytes serializes samples as little-endian PCM.
func PCMBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Silence returns n bytes of µ-law silence.
func Silence(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = SilenceByte
	}
	return out
}

// MulawDuration reports how long n µ-law bytes last at the telephony rate.
func MulawDuration(n int) (ms int) {
	return n * 1000 / SampleRate
}
