// Package codec decodes telephony codec frames to 16-bit little-endian PCM.
package codec

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedEncoding is returned for codec tags Decode does not handle.
var ErrUnsupportedEncoding = errors.New("unsupported audio encoding")

const (
	muLawBias = 0x84
	muLawClip = 32635
	signBit   = 0x80
	quantMask = 0x0F
	segMask   = 0x70
	segShift  = 4
)

// Decode converts a codec-tagged payload to PCM S16LE. Decoders are stateless
// and safe for concurrent use. Odd trailing bytes on 16-bit payloads are
// trimmed.
func Decode(encoding string, payload []byte) ([]byte, error) {
	switch normalized := strings.ToUpper(strings.TrimSpace(encoding)); normalized {
	case "PCMU", "MULAW", "MU-LAW", "ULAW":
		return DecodeMuLaw(payload), nil
	case "PCMA", "ALAW", "A-LAW":
		return DecodeALaw(payload), nil
	case "L16", "LINEAR16", "PCM_S16BE", "S16BE":
		return byteswap16(trimOdd(payload)), nil
	case "L16LE", "PCM_S16LE", "S16LE":
		return trimOdd(payload), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, encoding)
	}
}

// DecodeMuLaw expands G.711 mu-law bytes to PCM S16LE.
func DecodeMuLaw(payload []byte) []byte {
	out := make([]byte, len(payload)*2)
	for i, b := range payload {
		s := muLawToLinear(b)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// DecodeALaw expands G.711 A-law bytes to PCM S16LE.
func DecodeALaw(payload []byte) []byte {
	out := make([]byte, len(payload)*2)
	for i, b := range payload {
		s := aLawToLinear(b)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// EncodeMuLaw compresses PCM S16LE samples to G.711 mu-law.
func EncodeMuLaw(pcm []byte) []byte {
	pcm = trimOdd(pcm)
	out := make([]byte, len(pcm)/2)
	for i := range out {
		s := int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
		out[i] = linearToMuLaw(s)
	}
	return out
}

// EncodeALaw compresses PCM S16LE samples to G.711 A-law.
func EncodeALaw(pcm []byte) []byte {
	pcm = trimOdd(pcm)
	out := make([]byte, len(pcm)/2)
	for i := range out {
		s := int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
		out[i] = linearToALaw(s)
	}
	return out
}

// EncodeL16 converts PCM S16LE to network byte order (big-endian) L16.
func EncodeL16(pcm []byte) []byte {
	return byteswap16(trimOdd(pcm))
}

func muLawToLinear(u byte) int16 {
	u = ^u
	t := (int(u&quantMask) << 3) + muLawBias
	t <<= (int(u) & segMask) >> segShift
	if u&signBit != 0 {
		return int16(muLawBias - t)
	}
	return int16(t - muLawBias)
}

func linearToMuLaw(s int16) byte {
	pcm := int(s)
	mask := 0xFF
	if pcm < 0 {
		pcm = -pcm
		mask = 0x7F
	}
	if pcm > muLawClip {
		pcm = muLawClip
	}
	pcm += muLawBias

	exponent := 7
	for m := 0x4000; pcm&m == 0 && exponent > 0; m >>= 1 {
		exponent--
	}
	mantissa := (pcm >> (exponent + 3)) & quantMask
	return byte((exponent<<segShift | mantissa) ^ mask)
}

func aLawToLinear(a byte) int16 {
	a ^= 0x55
	t := int(a&quantMask) << 4
	seg := (int(a) & segMask) >> segShift
	switch seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= seg - 1
	}
	if a&signBit != 0 {
		return int16(t)
	}
	return int16(-t)
}

var aLawSegEnds = [8]int{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}

func linearToALaw(s int16) byte {
	pcm := int(s) >> 3
	mask := 0xD5
	if pcm < 0 {
		pcm = -pcm - 1
		mask = 0x55
	}

	seg := 8
	for i, end := range aLawSegEnds {
		if pcm <= end {
			seg = i
			break
		}
	}
	if seg >= 8 {
		return byte(0x7F ^ mask)
	}

	aval := seg << segShift
	if seg < 2 {
		aval |= (pcm >> 1) & quantMask
	} else {
		aval |= (pcm >> seg) & quantMask
	}
	return byte(aval ^ mask)
}

func byteswap16(payload []byte) []byte {
	out := make([]byte, len(payload))
	for i := 0; i+1 < len(payload); i += 2 {
		out[i] = payload[i+1]
		out[i+1] = payload[i]
	}
	return out
}

func trimOdd(payload []byte) []byte {
	if len(payload)%2 != 0 {
		return payload[:len(payload)-1]
	}
	return payload
}
