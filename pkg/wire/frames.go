package wire

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
)

// errorFramePrefix marks a fatal non-JSON frame.
const errorFramePrefix = "[Error] "

// FatalError is the decoded form of an "[Error] <message>" frame. The
// sender closes the connection right after emitting one.
type FatalError struct {
	Message string
}

func (e *FatalError) Error() string {
	return "wire: fatal frame: " + e.Message
}

// ErrFrameTooLarge reports a frame above Limits.MaxFrameBytes.
type ErrFrameTooLarge struct {
	Size, Limit int
}

func (e *ErrFrameTooLarge) Error() string {
	return fmt.Sprintf("wire: frame of %d bytes exceeds limit %d", e.Size, e.Limit)
}

// EncodeFrame renders one envelope as a single frame without the trailing
// newline. payload must already be a plain value tree (see Tree methods).
func EncodeFrame(typ MessageType, payload any, lim Limits) ([]byte, error) {
	tree, err := EncodeValue(payload, lim)
	if err != nil {
		return nil, err
	}
	data, err := Marshal(EncodeEnvelope(typ, tree))
	if err != nil {
		return nil, err
	}
	if lim.MaxFrameBytes > 0 && len(data) > lim.MaxFrameBytes {
		return nil, &ErrFrameTooLarge{Size: len(data), Limit: lim.MaxFrameBytes}
	}
	return data, nil
}

// EncodeErrorFrame renders the fatal frame for message. Newlines inside
// the message would break framing on stream transports and are folded.
func EncodeErrorFrame(message string) []byte {
	message = strings.ReplaceAll(message, "\n", " ")
	return []byte(errorFramePrefix + message)
}

// DecodeFrame parses one received frame. A fatal frame decodes into a
// *FatalError returned as the error value.
func DecodeFrame(line []byte, lim Limits) (*Envelope, error) {
	if lim.MaxFrameBytes > 0 && len(line) > lim.MaxFrameBytes {
		return nil, &ErrFrameTooLarge{Size: len(line), Limit: lim.MaxFrameBytes}
	}
	trimmed := bytes.TrimRight(line, "\r\n")
	if bytes.HasPrefix(trimmed, []byte(errorFramePrefix)) {
		return nil, &FatalError{Message: string(trimmed[len(errorFramePrefix):])}
	}
	tree, err := UnmarshalLimits(trimmed, lim)
	if err != nil {
		return nil, err
	}
	return DecodeEnvelope(tree)
}

// WriteFrame writes one newline-terminated frame to a stream transport.
// Message transports (websockets) send EncodeFrame output as one message
// instead.
func WriteFrame(w io.Writer, typ MessageType, payload any, lim Limits) error {
	data, err := EncodeFrame(typ, payload, lim)
	if err != nil {
		return err
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

// ReadFrame reads one newline-terminated frame from a stream transport.
func ReadFrame(br *bufio.Reader, lim Limits) (*Envelope, error) {
	line, err := br.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, err
	}
	return DecodeFrame(line, lim)
}
