// Package wire implements the producer framing protocol:
//
//	[u32 little-endian H][H bytes UTF-8 JSON header][ImageDataLength bytes image]
//
// Receivers read the three parts in order with exact-length reads. There are
// no delimiters, so a short read or a length mismatch leaves the stream
// unusable and must close the connection.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"posestream-go/internal/types"
)

const (
	PrefixLen = 4
	// MaxHeaderBytes is the largest header Encode produces and the default
	// receive bound.
	MaxHeaderBytes = 1024
	MaxImageBytes  = 32 * 1024 * 1024
)

var (
	ErrShortPrefix     = errors.New("wire: short length prefix")
	ErrHeaderTooLarge  = errors.New("wire: header length out of range")
	ErrShortHeader     = errors.New("wire: short header")
	ErrMalformedHeader = errors.New("wire: malformed header")
	ErrShortPayload    = errors.New("wire: short image payload")
	ErrPayloadTooLarge = errors.New("wire: image payload too large")
	ErrLengthMismatch  = errors.New("wire: image length mismatch")
)

// Limits bounds the memory a single message may claim.
type Limits struct {
	MaxHeaderBytes uint32
	MaxImageBytes  int
}

func DefaultLimits() Limits {
	return Limits{
		MaxHeaderBytes: MaxHeaderBytes,
		MaxImageBytes:  MaxImageBytes,
	}
}

// Message is one decoded wire message.
type Message struct {
	Header types.FrameHeader
	Image  []byte
}

// Frame converts the message back into a capture frame.
func (m Message) Frame() types.CaptureFrame {
	return types.CaptureFrame{
		CameraName:       m.Header.CameraName,
		ExactTimestamp:   m.Header.ExactTimeStamp,
		SlottedTimestamp: m.Header.SlottedTimeStamp,
		Image:            m.Image,
	}
}

// Encode builds one wire message. ImageDataLength is always taken from image.
// Headers that are not valid UTF-8 or encode to more than MaxHeaderBytes are
// refused, since no receiver with default limits would accept them.
func Encode(cameraName, exactTimestamp, slottedTimestamp string, image []byte) ([]byte, error) {
	headerBytes, err := encodeHeader(types.FrameHeader{
		CameraName:       cameraName,
		ExactTimeStamp:   exactTimestamp,
		SlottedTimeStamp: slottedTimestamp,
		ImageDataLength:  len(image),
	})
	if err != nil {
		return nil, err
	}

	buf := make([]byte, PrefixLen+len(headerBytes)+len(image))
	binary.LittleEndian.PutUint32(buf[:PrefixLen], uint32(len(headerBytes)))
	copy(buf[PrefixLen:], headerBytes)
	copy(buf[PrefixLen+len(headerBytes):], image)
	return buf, nil
}

func encodeHeader(header types.FrameHeader) ([]byte, error) {
	for _, field := range []string{header.CameraName, header.ExactTimeStamp, header.SlottedTimeStamp} {
		if !utf8.ValidString(field) {
			return nil, fmt.Errorf("%w: header field is not UTF-8: %q", ErrMalformedHeader, field)
		}
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("wire: encode header: %w", err)
	}
	if len(headerBytes) > MaxHeaderBytes {
		return nil, fmt.Errorf("%w: %d > %d", ErrHeaderTooLarge, len(headerBytes), MaxHeaderBytes)
	}
	return headerBytes, nil
}

// CheckCameraName reports whether frames from cameraName can be encoded with
// the longest timestamps and image length the protocol allows.
func CheckCameraName(cameraName string) error {
	_, err := encodeHeader(types.FrameHeader{
		CameraName:       cameraName,
		ExactTimeStamp:   types.ExactLayout,
		SlottedTimeStamp: types.SecondLayout + ".0",
		ImageDataLength:  MaxImageBytes,
	})
	return err
}

func EncodeFrame(frame types.CaptureFrame) ([]byte, error) {
	return Encode(frame.CameraName, frame.ExactTimestamp, frame.SlottedTimestamp, frame.Image)
}

// WriteMessage encodes the frame and writes it with a single Write call.
func WriteMessage(w io.Writer, frame types.CaptureFrame) (int, error) {
	buf, err := EncodeFrame(frame)
	if err != nil {
		return 0, err
	}
	return w.Write(buf)
}

// ReadMessage reads exactly one message from r.
func ReadMessage(r io.Reader, limits Limits) (Message, error) {
	var prefix [PrefixLen]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, ErrShortPrefix
		}
		// A clean EOF before any prefix byte is an orderly close.
		return Message{}, err
	}
	headerLen := binary.LittleEndian.Uint32(prefix[:])
	if headerLen == 0 || headerLen > limits.MaxHeaderBytes {
		return Message{}, fmt.Errorf("%w: %d", ErrHeaderTooLarge, headerLen)
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrShortHeader, err)
	}
	header, err := parseHeader(headerBytes, limits)
	if err != nil {
		return Message{}, err
	}

	image := make([]byte, header.ImageDataLength)
	if _, err := io.ReadFull(r, image); err != nil {
		return Message{}, fmt.Errorf("%w: want %d bytes: %v", ErrShortPayload, header.ImageDataLength, err)
	}
	return Message{Header: header, Image: image}, nil
}

// Decode parses a buffer holding exactly one message. Missing or trailing
// image bytes are reported as ErrLengthMismatch.
func Decode(b []byte, limits Limits) (Message, error) {
	if len(b) < PrefixLen {
		return Message{}, ErrShortPrefix
	}
	headerLen := binary.LittleEndian.Uint32(b[:PrefixLen])
	if headerLen == 0 || headerLen > limits.MaxHeaderBytes {
		return Message{}, fmt.Errorf("%w: %d", ErrHeaderTooLarge, headerLen)
	}
	rest := b[PrefixLen:]
	if uint64(len(rest)) < uint64(headerLen) {
		return Message{}, ErrShortHeader
	}
	header, err := parseHeader(rest[:headerLen], limits)
	if err != nil {
		return Message{}, err
	}
	image := rest[headerLen:]
	if len(image) != header.ImageDataLength {
		return Message{}, fmt.Errorf("%w: header declares %d bytes, message carries %d",
			ErrLengthMismatch, header.ImageDataLength, len(image))
	}
	return Message{Header: header, Image: bytes.Clone(image)}, nil
}

func parseHeader(raw []byte, limits Limits) (types.FrameHeader, error) {
	if !utf8.Valid(raw) {
		return types.FrameHeader{}, fmt.Errorf("%w: header is not UTF-8", ErrMalformedHeader)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return types.FrameHeader{}, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	if _, ok := fields["ImageDataLength"]; !ok {
		return types.FrameHeader{}, fmt.Errorf("%w: missing ImageDataLength", ErrMalformedHeader)
	}
	var header types.FrameHeader
	if err := json.Unmarshal(raw, &header); err != nil {
		return types.FrameHeader{}, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	if header.ImageDataLength < 0 {
		return types.FrameHeader{}, fmt.Errorf("%w: negative ImageDataLength %d", ErrMalformedHeader, header.ImageDataLength)
	}
	if header.ImageDataLength > limits.MaxImageBytes {
		return types.FrameHeader{}, fmt.Errorf("%w: %d", ErrPayloadTooLarge, header.ImageDataLength)
	}
	return header, nil
}

// IsFramingError reports whether err leaves the byte stream desynchronised.
func IsFramingError(err error) bool {
	for _, target := range []error{
		ErrShortPrefix, ErrHeaderTooLarge, ErrShortHeader, ErrMalformedHeader,
		ErrShortPayload, ErrPayloadTooLarge, ErrLengthMismatch,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
