// Package audio prepares 16-bit PCM for the speech platform: it unwraps and
// writes RIFF/WAVE containers and converts channel layout and sample rate.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrNotWAV is returned by [DecodeWAV] for data that is not a RIFF/WAVE
// container.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE container")

// Format describes little-endian signed 16-bit PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "16000Hz mono".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// DecodeWAV walks the RIFF chunks of data and returns the PCM format from the
// "fmt " chunk together with the samples of the "data" chunk. Only 16-bit
// PCM is accepted.
func DecodeWAV(data []byte) (Format, []byte, error) {
	if !IsWAV(data) {
		return Format{}, nil, ErrNotWAV
	}
	var (
		f      Format
		gotFmt bool
	)
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := data[off+8:]
		switch id {
		case "fmt ":
			if size < 16 || len(body) < 16 {
				return Format{}, nil, errors.New("audio: short fmt chunk")
			}
			if tag := binary.LittleEndian.Uint16(body[0:2]); tag != 1 {
				return Format{}, nil, fmt.Errorf("audio: unsupported wav format tag %d", tag)
			}
			if bits := binary.LittleEndian.Uint16(body[14:16]); bits != 16 {
				return Format{}, nil, fmt.Errorf("audio: unsupported sample width %d bits", bits)
			}
			f.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			f.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			gotFmt = true
		case "data":
			if !gotFmt {
				return Format{}, nil, errors.New("audio: data chunk before fmt chunk")
			}
			return f, body[:min(size, len(body))], nil
		}
		// Chunks are word aligned.
		off += 8 + size + size%2
	}
	return Format{}, nil, errors.New("audio: missing data chunk")
}

// WriteWAV writes pcm wrapped in a canonical 44-byte WAVE header.
func WriteWAV(w io.Writer, f Format, pcm []byte) error {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return fmt.Errorf("audio: invalid format %s", f)
	}
	blockAlign := f.Channels * 2
	hdr := make([]byte, 44)
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(36+len(pcm)))
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], 1)
	binary.LittleEndian.PutUint16(hdr[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(f.SampleRate*blockAlign))
	binary.LittleEndian.PutUint16(hdr[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(hdr[34:36], 16)
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], uint32(len(pcm)))

	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("audio: write wav header: %w", err)
	}
	if _, err := w.Write(pcm); err != nil {
		return fmt.Errorf("audio: write wav data: %w", err)
	}
	return nil
}
