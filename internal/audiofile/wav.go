// Package audiofile converts raw 16-bit little-endian PCM into WAV containers.
package audiofile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// MIMEType is the content type of encoded artifacts.
const MIMEType = "audio/wav"

var ErrUnaligned = errors.New("pcm payload not aligned")

// Encode writes pcm as a 16-bit WAV stream to w.
func Encode(w io.WriteSeeker, pcm []byte, sampleRate, channels int) error {
	if len(pcm)%2 != 0 {
		return ErrUnaligned
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// WriteTemp encodes pcm into a new temporary file and returns its path. The
// caller removes the file.
func WriteTemp(pcm []byte, sampleRate, channels int) (string, error) {
	file, err := os.CreateTemp(os.TempDir(), "studycap_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	name := file.Name()
	if err := Encode(file, pcm, sampleRate, channels); err != nil {
		file.Close()
		os.Remove(name)
		return "", err
	}
	if err := file.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

// EncodeBytes returns pcm as an in-memory WAV file.
func EncodeBytes(pcm []byte, sampleRate, channels int) ([]byte, error) {
	out := &memFile{buf: make([]byte, 0, headerSize+len(pcm))}
	if err := Encode(out, pcm, sampleRate, channels); err != nil {
		return nil, err
	}
	return out.buf, nil
}

const headerSize = 44

// memFile is an io.WriteSeeker over a growing byte slice; the encoder seeks
// back to patch the header sizes.
type memFile struct {
	buf []byte
	pos int
}

func (m *memFile) Write(p []byte) (int, error) {
	if end := m.pos + len(p); end > len(m.buf) {
		m.buf = append(m.buf, make([]byte, end-len(m.buf))...)
	}
	copy(m.buf[m.pos:], p)
	m.pos += len(p)
	return len(p), nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = int64(m.pos)
	case io.SeekEnd:
		base = int64(len(m.buf))
	default:
		return 0, fmt.Errorf("seek: invalid whence %d", whence)
	}
	next := base + offset
	if next < 0 {
		return 0, errors.New("seek: negative position")
	}
	m.pos = int(next)
	return next, nil
}

// Decode returns the PCM samples and format of a WAV stream.
func Decode(r io.ReadSeeker) ([]int, *audio.Format, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, nil, errors.New("invalid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, nil, fmt.Errorf("decode wav: %w", err)
	}
	return buf.Data, buf.Format, nil
}

// Duration returns the play time of n bytes of 16-bit PCM.
func Duration(n, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	frames := n / (2 * channels)
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}
