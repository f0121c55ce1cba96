package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// WAVInfo describes a parsed RIFF/WAVE payload.
type WAVInfo struct {
	SampleRate  int
	Channels    int
	SampleWidth int
	PCM         []byte
}

// ParseWAV extracts format and PCM frames from a RIFF/WAVE container.
// Only uncompressed PCM (format tag 1) with 16-bit samples is accepted.
func ParseWAV(data []byte) (*WAVInfo, error) {
	if len(data) < 12 || !bytes.Equal(data[0:4], []byte("RIFF")) || !bytes.Equal(data[8:12], []byte("WAVE")) {
		return nil, errors.New("not a RIFF/WAVE payload")
	}

	info := &WAVInfo{}
	haveFmt := false
	offset := 12
	for offset+8 <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		if chunkSize < 0 || body+chunkSize > len(data) {
			return nil, errors.New("truncated WAV chunk")
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return nil, errors.New("short fmt chunk")
			}
			formatTag := binary.LittleEndian.Uint16(data[body : body+2])
			if formatTag != 1 {
				return nil, fmt.Errorf("unsupported WAV format tag %d", formatTag)
			}
			info.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			info.SampleWidth = int(binary.LittleEndian.Uint16(data[body+14:body+16]) / 8)
			haveFmt = true
		case "data":
			info.PCM = data[body : body+chunkSize]
		}

		offset = body + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}

	if !haveFmt {
		return nil, errors.New("WAV payload missing fmt chunk")
	}
	if info.PCM == nil {
		return nil, errors.New("WAV payload missing data chunk")
	}
	if info.SampleWidth != 2 {
		return nil, fmt.Errorf("WAV chunk must use 16-bit PCM, got sample_width=%d", info.SampleWidth)
	}
	if info.SampleRate <= 0 || info.Channels <= 0 {
		return nil, errors.New("invalid WAV format fields")
	}
	return info, nil
}

// RenderWAV wraps PCM S16LE frames in a canonical 44-byte RIFF/WAVE header.
func RenderWAV(pcm []byte, sampleRate, channels int) []byte {
	const headerSize = 44
	blockAlign := channels * 2
	byteRate := sampleRate * blockAlign

	out := make([]byte, headerSize+len(pcm))
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1)
	binary.LittleEndian.PutUint16(out[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], 16)
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[headerSize:], pcm)
	return out
}
