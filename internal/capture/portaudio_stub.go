//go:build !portaudio

package capture

import "errors"

// NewPortAudioDevice is unavailable without the portaudio build tag.
func NewPortAudioDevice(Format) (Device, error) {
	return nil, errors.New("built without portaudio support (use -tags portaudio)")
}
