package wire

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	errspkg "github.com/drblury/flowtrace/internal/runtime/errors"
	"github.com/drblury/flowtrace/internal/runtime/jsoncodec"
)

// Framing header bytes. Every framed payload starts with exactly one of
// these; strict decoding rejects anything else.
const (
	FramingUncompressed byte = 0x00
	FramingZstd         byte = 0x01
)

// DefaultMaxPayloadSize bounds inbound payloads to prevent memory exhaustion
// from oversized or adversarial messages.
const DefaultMaxPayloadSize = 10 * 1024 * 1024

// DefaultCompressionThreshold is the minimum encoded size before compression
// is attempted; smaller messages are not worth the CPU.
const DefaultCompressionThreshold = 512

// EncodeOptions tunes envelope encoding.
type EncodeOptions struct {
	// Compress enables zstd compression for bodies above Threshold bytes.
	Compress  bool
	Threshold int
	Level     zstd.EncoderLevel
}

func (o EncodeOptions) withDefaults() EncodeOptions {
	if o.Threshold <= 0 {
		o.Threshold = DefaultCompressionThreshold
	}
	if o.Level == 0 {
		o.Level = zstd.SpeedDefault
	}
	return o
}

var (
	encodersMu sync.Mutex
	encoders   = map[zstd.EncoderLevel]*zstd.Encoder{}
)

func encoderForLevel(level zstd.EncoderLevel) (*zstd.Encoder, error) {
	encodersMu.Lock()
	defer encodersMu.Unlock()
	if enc, ok := encoders[level]; ok {
		return enc, nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, err
	}
	encoders[level] = enc
	return enc, nil
}

var (
	decodersMu sync.Mutex
	decoders   = map[int]*zstd.Decoder{}
)

func decoderForLimit(maxSize int) (*zstd.Decoder, error) {
	decodersMu.Lock()
	defer decodersMu.Unlock()
	if dec, ok := decoders[maxSize]; ok {
		return dec, nil
	}
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderMaxMemory(uint64(maxSize)),
		zstd.WithDecoderConcurrency(1),
	)
	if err != nil {
		return nil, err
	}
	decoders[maxSize] = dec
	return dec, nil
}

// Encode serialises the envelope and frames it with a compression header
// byte. Returns the framed bytes and whether compression was applied.
// Compression falls back to the uncompressed frame when it does not shrink
// the body.
func Encode(env *Envelope, opts EncodeOptions) ([]byte, bool, error) {
	opts = opts.withDefaults()

	body, err := jsoncodec.Marshal(env)
	if err != nil {
		return nil, false, fmt.Errorf("wire: encode envelope: %w", err)
	}

	if opts.Compress && len(body) > opts.Threshold {
		enc, err := encoderForLevel(opts.Level)
		if err != nil {
			return nil, false, fmt.Errorf("wire: init zstd encoder: %w", err)
		}
		compressed := enc.EncodeAll(body, make([]byte, 1, len(body)/2+1))
		if len(compressed)-1 < len(body) {
			compressed[0] = FramingZstd
			return compressed, true, nil
		}
	}

	framed := make([]byte, 1+len(body))
	framed[0] = FramingUncompressed
	copy(framed[1:], body)
	return framed, false, nil
}

// DecodeStrict decodes a framed envelope. It rejects empty input, unknown
// framing bytes, and anything whose raw or declared decompressed size exceeds
// maxSize. The declared-size check runs before any output buffer is
// allocated, so a crafted frame claiming a huge uncompressed size never
// allocates that buffer.
func DecodeStrict(data []byte, maxSize int) (*Envelope, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxPayloadSize
	}
	if len(data) == 0 {
		return nil, &errspkg.DecodeError{Reason: "empty payload", Err: errors.New("zero-length message")}
	}

	// One byte of framing overhead is allowed on top of maxSize.
	if len(data) > maxSize+1 {
		return nil, &errspkg.PayloadTooLargeError{Size: len(data), Max: maxSize}
	}

	switch data[0] {
	case FramingUncompressed:
		return decodeBody(data[1:])
	case FramingZstd:
		body, err := decompress(data[1:], maxSize)
		if err != nil {
			return nil, err
		}
		return decodeBody(body)
	default:
		return nil, &errspkg.DecodeError{
			Reason: "invalid framing byte",
			Err:    fmt.Errorf("wire: first byte 0x%02X, expected 0x00 or 0x01", data[0]),
		}
	}
}

// zstd frame magic, used by the legacy heuristic only.
var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// DecodeCompatible accepts framed envelopes plus legacy unframed payloads
// written before framing was introduced. Unframed zstd streams are detected
// via the frame magic; anything else is treated as a raw JSON body. Prefer
// DecodeStrict for untrusted input.
func DecodeCompatible(data []byte, maxSize int) (*Envelope, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxPayloadSize
	}
	if len(data) == 0 {
		return nil, &errspkg.DecodeError{Reason: "empty payload", Err: errors.New("zero-length message")}
	}
	if data[0] == FramingUncompressed || data[0] == FramingZstd {
		return DecodeStrict(data, maxSize)
	}
	if len(data) > maxSize {
		return nil, &errspkg.PayloadTooLargeError{Size: len(data), Max: maxSize}
	}
	if len(data) >= len(zstdMagic) && string(data[:len(zstdMagic)]) == string(zstdMagic) {
		body, err := decompress(data, maxSize)
		if err != nil {
			return nil, err
		}
		return decodeBody(body)
	}
	return decodeBody(data)
}

func decompress(data []byte, maxSize int) ([]byte, error) {
	// Pre-allocation guard: honour the frame's declared content size before
	// handing anything to the decompressor.
	var hdr zstd.Header
	if err := hdr.Decode(data); err != nil {
		return nil, &errspkg.DecodeError{Reason: "invalid zstd frame header", Err: err}
	}
	if hdr.HasFCS && hdr.FrameContentSize > uint64(maxSize) {
		return nil, &errspkg.PayloadTooLargeError{Size: int(hdr.FrameContentSize), Max: maxSize}
	}

	dec, err := decoderForLimit(maxSize)
	if err != nil {
		return nil, fmt.Errorf("wire: init zstd decoder: %w", err)
	}
	body, err := dec.DecodeAll(data, nil)
	if err != nil {
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
			return nil, &errspkg.PayloadTooLargeError{Size: maxSize + 1, Max: maxSize}
		}
		return nil, &errspkg.DecodeError{Reason: "zstd decompression failed", Err: err}
	}
	if len(body) > maxSize {
		return nil, &errspkg.PayloadTooLargeError{Size: len(body), Max: maxSize}
	}
	return body, nil
}

func decodeBody(body []byte) (*Envelope, error) {
	var env Envelope
	if err := jsoncodec.Unmarshal(body, &env); err != nil {
		return nil, &errspkg.DecodeError{Reason: "malformed envelope body", Err: err}
	}
	if env.Payload == nil {
		return nil, &errspkg.DecodeError{Reason: "envelope without payload", Err: errspkg.ErrPayloadRequired}
	}
	return &env, nil
}

// SchemaCompatibility selects how strictly inbound schema versions are
// checked against CurrentSchemaVersion.
type SchemaCompatibility int

const (
	// SchemaExact requires an exact version match. Recommended for production.
	SchemaExact SchemaCompatibility = iota
	// SchemaForwardCompatible accepts newer schema versions.
	SchemaForwardCompatible
	// SchemaBackwardCompatible accepts older schema versions.
	SchemaBackwardCompatible
)

// ValidateSchemaVersion applies the compatibility policy. Version 0 is
// treated as version 1: it is the zero value of headers written before
// versioning existed.
func ValidateSchemaVersion(version uint32, policy SchemaCompatibility) error {
	if version == 0 {
		version = 1
	}
	switch policy {
	case SchemaExact:
		if version != CurrentSchemaVersion {
			return fmt.Errorf("wire: schema version mismatch: expected v%d, got v%d", CurrentSchemaVersion, version)
		}
	case SchemaForwardCompatible:
		if version < CurrentSchemaVersion {
			return fmt.Errorf("wire: schema version too old: expected >= v%d, got v%d", CurrentSchemaVersion, version)
		}
	case SchemaBackwardCompatible:
		if version > CurrentSchemaVersion {
			return fmt.Errorf("wire: schema version too new: expected <= v%d, got v%d", CurrentSchemaVersion, version)
		}
	default:
		return fmt.Errorf("wire: unknown schema compatibility policy %d", policy)
	}
	return nil
}
