package stt

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Binary protocol constants. Every message starts with a 4-byte packed
// header; multi-byte integers are big-endian.
const (
	// ProtocolVersion is the only wire format version implemented
	ProtocolVersion = 0b0001

	// FixedHeaderSize is the packed header size in bytes, before any
	// extension
	FixedHeaderSize = 4

	// headerWordSize is the unit the header-size nibble counts in
	headerWordSize = 4
)

// MessageType distinguishes request/response roles on the wire
type MessageType uint8

const (
	ClientFullRequest      MessageType = 0b0001
	ClientAudioOnlyRequest MessageType = 0b0010
	ServerFullResponse     MessageType = 0b1001
	ServerAck              MessageType = 0b1011
	ServerErrorResponse    MessageType = 0b1111
)

// MessageFlags carry the sequencing hint for a frame
type MessageFlags uint8

const (
	NoSequence       MessageFlags = 0b0000
	PositiveSequence MessageFlags = 0b0001
	NegativeSequence MessageFlags = 0b0010
	// NegativeSequenceFinal marks the last audio chunk of an utterance
	NegativeSequenceFinal MessageFlags = 0b0011
)

// SerializationType is the payload encoding tag
type SerializationType uint8

const (
	SerializationNone   SerializationType = 0b0000
	SerializationJSON   SerializationType = 0b0001
	SerializationThrift SerializationType = 0b0011
	SerializationCustom SerializationType = 0b1111
)

// CompressionType is the payload compression tag
type CompressionType uint8

const (
	CompressionNone   CompressionType = 0b0000
	CompressionGzip   CompressionType = 0b0001
	CompressionCustom CompressionType = 0b1111
)

var (
	// ErrMalformedFrame reports a buffer that violates the declared
	// header or payload length
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrUnsupportedEncoding reports a recognized but unimplemented
	// compression or serialization tag
	ErrUnsupportedEncoding = errors.New("unsupported encoding")
)

// successCode is the service's "no error" status in response payloads
const successCode = 1000

// Header holds the logical fields packed into the frame header
type Header struct {
	Type          MessageType
	Flags         MessageFlags
	Serialization SerializationType
	Compression   CompressionType
	// Extension is optional and must be 4-byte aligned; empty in all
	// frames this client constructs
	Extension []byte
}

// Frame is the decoded form of one wire message
type Frame struct {
	Version       uint8
	Type          MessageType
	Flags         MessageFlags
	Serialization SerializationType
	Compression   CompressionType

	// Sequence is set for ServerAck frames
	Sequence int32
	// ErrorCode is set for ServerErrorResponse frames
	ErrorCode uint32

	// PayloadSize is the length field declared on the wire
	PayloadSize int32
	// Payload holds the decompressed payload bytes
	Payload []byte
	// Response is the parsed payload when it is JSON-serialized
	Response *RecognitionResponse
	// Text holds the payload as a string for other serializations
	Text string
}

// RecognitionResponse is the JSON payload of a full server response
type RecognitionResponse struct {
	Reqid    string              `json:"reqid"`
	Code     int                 `json:"code"`
	Message  string              `json:"message"`
	Sequence int                 `json:"sequence"`
	Result   []RecognitionResult `json:"result"`
}

// RecognitionResult is one recognition hypothesis
type RecognitionResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// OK reports whether the response carries a success status
func (r *RecognitionResponse) OK() bool {
	return r.Code == successCode || r.Message == "Success"
}

// EncodeHeader packs the logical header fields into their wire layout.
// The header-size nibble is derived from the extension length; the
// reserved byte is always zero on send.
func (h Header) EncodeHeader() ([]byte, error) {
	if len(h.Extension)%headerWordSize != 0 {
		return nil, fmt.Errorf("extension header length %d is not 4-byte aligned", len(h.Extension))
	}
	headerSize := 1 + len(h.Extension)/headerWordSize
	buf := make([]byte, 0, FixedHeaderSize+len(h.Extension))
	buf = append(buf,
		ProtocolVersion<<4|byte(headerSize),
		byte(h.Type)<<4|byte(h.Flags),
		byte(h.Serialization)<<4|byte(h.Compression),
		0x00,
	)
	buf = append(buf, h.Extension...)
	return buf, nil
}

// EncodeRequestFrame builds a complete request frame: header, 4-byte
// big-endian payload length, payload.
func EncodeRequestFrame(h Header, payload []byte) ([]byte, error) {
	header, err := h.EncodeHeader()
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(header)+4+len(payload))
	frame = append(frame, header...)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(payload)))
	frame = append(frame, payload...)
	return frame, nil
}

// DecodeFrame parses a binary frame into its logical fields and decoded
// payload. Frames with an unrecognized message type decode to an empty
// payload without error; the service is allowed to introduce new types.
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < FixedHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the fixed header", ErrMalformedFrame, len(data))
	}

	frame := &Frame{
		Version:       data[0] >> 4,
		Type:          MessageType(data[1] >> 4),
		Flags:         MessageFlags(data[1] & 0x0f),
		Serialization: SerializationType(data[2] >> 4),
		Compression:   CompressionType(data[2] & 0x0f),
	}

	headerSize := int(data[0] & 0x0f)
	if headerSize < 1 {
		return nil, fmt.Errorf("%w: header size field is zero", ErrMalformedFrame)
	}
	payloadStart := headerSize * headerWordSize
	if payloadStart > len(data) {
		return nil, fmt.Errorf("%w: declared header of %d bytes exceeds buffer of %d",
			ErrMalformedFrame, payloadStart, len(data))
	}
	payload := data[payloadStart:]

	var body []byte
	switch frame.Type {
	case ClientFullRequest, ClientAudioOnlyRequest:
		if len(payload) < 4 {
			return nil, fmt.Errorf("%w: request frame truncated before length prefix", ErrMalformedFrame)
		}
		frame.PayloadSize = int32(binary.BigEndian.Uint32(payload[:4]))
		body = payload[4:]

	case ServerFullResponse:
		if len(payload) < 4 {
			return nil, fmt.Errorf("%w: response frame truncated before length prefix", ErrMalformedFrame)
		}
		frame.PayloadSize = int32(binary.BigEndian.Uint32(payload[:4]))
		body = payload[4:]

	case ServerAck:
		if len(payload) < 4 {
			return nil, fmt.Errorf("%w: ack frame truncated before sequence number", ErrMalformedFrame)
		}
		frame.Sequence = int32(binary.BigEndian.Uint32(payload[:4]))
		if len(payload) >= 8 {
			frame.PayloadSize = int32(binary.BigEndian.Uint32(payload[4:8]))
			body = payload[8:]
		}

	case ServerErrorResponse:
		if len(payload) < 8 {
			return nil, fmt.Errorf("%w: error frame truncated before code and length", ErrMalformedFrame)
		}
		frame.ErrorCode = binary.BigEndian.Uint32(payload[:4])
		frame.PayloadSize = int32(binary.BigEndian.Uint32(payload[4:8]))
		body = payload[8:]

	default:
		// Unknown message type: empty result, not an error
		return frame, nil
	}

	if body == nil {
		return frame, nil
	}
	if int64(frame.PayloadSize) > int64(len(body)) {
		return nil, fmt.Errorf("%w: declared payload of %d bytes exceeds remaining %d",
			ErrMalformedFrame, frame.PayloadSize, len(body))
	}

	return frame, frame.decodePayload(body)
}

// DecodeTextFrame handles the out-of-band plain-text frames some servers
// send: the body is parsed as a bare JSON response. A non-JSON text frame
// decodes to an empty frame rather than an error.
func DecodeTextFrame(data []byte) *Frame {
	frame := &Frame{}
	var resp RecognitionResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return frame
	}
	frame.Serialization = SerializationJSON
	frame.PayloadSize = int32(len(data))
	frame.Payload = data
	frame.Response = &resp
	return frame
}

// decodePayload applies the compression and serialization transforms
// declared in the header.
func (f *Frame) decodePayload(body []byte) error {
	switch f.Compression {
	case CompressionNone:
	case CompressionGzip:
		reader, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("%w: gzip payload: %v", ErrMalformedFrame, err)
		}
		defer reader.Close()
		body, err = io.ReadAll(reader)
		if err != nil {
			return fmt.Errorf("%w: gzip payload: %v", ErrMalformedFrame, err)
		}
	case CompressionCustom:
		return fmt.Errorf("%w: custom compression", ErrUnsupportedEncoding)
	default:
		// Unrecognized compression tags pass the payload through
	}
	f.Payload = body

	switch f.Serialization {
	case SerializationNone:
	case SerializationJSON:
		var resp RecognitionResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("%w: JSON payload: %v", ErrMalformedFrame, err)
		}
		f.Response = &resp
	case SerializationCustom:
		return fmt.Errorf("%w: custom serialization", ErrUnsupportedEncoding)
	default:
		// Thrift and unrecognized tags surface as a raw string
		f.Text = string(body)
	}
	return nil
}
