// Package frame implements the fixed-size wire frame used between pipechat
// clients and the server.
//
// Every application-level unit is exactly one frame of Size bytes: the UTF-8
// bytes of the text, zero padded. There is no length prefix and no delimiter,
// so the frame size is also the message cap. Longer texts are truncated.
package frame

import (
	"bytes"
	"errors"
	"strings"
)

// DefaultSize is the frame capacity used when none is configured.
const DefaultSize = 256

// Separator joins the metadata key and the user name in a handshake frame.
const Separator = ":"

// ErrNoData is returned by Reader.Next when the read deadline expired before
// a complete frame arrived. It is normal idle polling, not a failure.
var ErrNoData = errors.New("frame: no data")

// Codec encodes and decodes frames of a fixed capacity.
type Codec struct {
	Size int
}

// New returns a Codec for frames of size bytes. Non-positive sizes fall back
// to DefaultSize.
func New(size int) Codec {
	if size <= 0 {
		size = DefaultSize
	}
	return Codec{Size: size}
}

func (c Codec) size() int {
	if c.Size <= 0 {
		return DefaultSize
	}
	return c.Size
}

// Encode returns a frame holding text. Text longer than the frame capacity is
// silently truncated at the byte level.
func (c Codec) Encode(text string) []byte {
	buf := make([]byte, c.size())
	copy(buf, text)
	return buf
}

// Decode strips trailing pad bytes and returns the text. A frame made only of
// padding, or a zero-length frame, decodes to "".
func (c Codec) Decode(frame []byte) string {
	return string(bytes.TrimRight(frame, "\x00"))
}

// HandshakeText builds the first frame a client sends to declare its name.
func HandshakeText(key, name string) string {
	return key + Separator + name
}

// ParseHandshake extracts the user name from a handshake text. It reports
// false when text does not start with key followed by the separator, or when
// the name is empty.
func ParseHandshake(key, text string) (string, bool) {
	name, ok := strings.CutPrefix(text, key+Separator)
	if !ok || name == "" {
		return "", false
	}
	return name, true
}
