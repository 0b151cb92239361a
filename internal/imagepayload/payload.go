package imagepayload

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"
)

// Sources a payload can arrive from.
const (
	SourceUpload = "upload"
	SourceBase64 = "base64"
	SourceRemote = "remote"
)

var (
	// ErrEmpty is returned for zero-length image data.
	ErrEmpty = errors.New("image data is empty")
	// ErrNotImage is returned when the bytes do not sniff as an image format.
	ErrNotImage = errors.New("data is not a recognised image format")
	// ErrUndecodable is returned when the bytes carry an image signature but
	// the pixels cannot be decoded.
	ErrUndecodable = errors.New("image data could not be decoded")
)

// Payload is one binary image together with its inferred format.
type Payload struct {
	Data      []byte
	MIME      string
	Extension string
	Source    string
}

// DecodeError reports image data that could not be turned into a Payload.
type DecodeError struct {
	Source string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid %s image data: %v", e.Source, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// FromBytes sniffs raw bytes and builds a payload. The image is decoded in
// full, so truncated data and formats no decoder is registered for are
// rejected here.
func FromBytes(data []byte, source string) (*Payload, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Source: source, Err: ErrEmpty}
	}
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return nil, &DecodeError{Source: source, Err: fmt.Errorf("%w (detected %s)", ErrNotImage, mt.String())}
	}
	if _, err := imaging.Decode(bytes.NewReader(data)); err != nil {
		return nil, &DecodeError{Source: source, Err: fmt.Errorf("%w (%s): %v", ErrUndecodable, mt.String(), err)}
	}
	ext := mt.Extension()
	if ext == "" {
		ext = ".img"
	}
	return &Payload{Data: data, MIME: mt.String(), Extension: ext, Source: source}, nil
}

// FromBase64 decodes a base64 text field, optionally carrying a
// "data:<mime>;base64," header.
func FromBase64(text string) (*Payload, error) {
	encoded := StripDataURL(text)
	encoded = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, encoded)
	if encoded == "" {
		return nil, &DecodeError{Source: SourceBase64, Err: ErrEmpty}
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		raw, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
		if rawErr != nil {
			return nil, &DecodeError{Source: SourceBase64, Err: err}
		}
		data = raw
	}
	return FromBytes(data, SourceBase64)
}

// StripDataURL removes a leading data URL header if present.
func StripDataURL(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "data:") {
		return text
	}
	if idx := strings.IndexByte(text, ','); idx >= 0 {
		return text[idx+1:]
	}
	return ""
}
