package metadb

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

const (
	// CompressionThreshold is the minimum payload size before compression is considered.
	// 2KB threshold - zstd overhead not worth it for smaller payloads.
	CompressionThreshold = 2048

	// MaxPayloadSize is the maximum allowed uncompressed payload size.
	MaxPayloadSize = 10 * 1024 * 1024 // 10MB

	// MaxDecompressedSize is the hard cap during decompression to prevent compression bombs.
	MaxDecompressedSize = 10 * 1024 * 1024 // 10MB

	// CurrentEnvelopeVersion is the current envelope schema version.
	CurrentEnvelopeVersion = 1

	digestSize = 32
	headerSize = 2 + digestSize
)

// ContentEncoding identifies how an envelope payload is stored.
type ContentEncoding byte

const (
	EncodingIdentity ContentEncoding = 0
	EncodingZstd     ContentEncoding = 1
)

func (e ContentEncoding) String() string {
	switch e {
	case EncodingIdentity:
		return "identity"
	case EncodingZstd:
		return "zstd"
	default:
		return fmt.Sprintf("encoding(%d)", byte(e))
	}
}

var (
	// ErrPayloadTooLarge is returned when payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	// ErrDecompressionBomb is returned when decompressed size exceeds limit.
	ErrDecompressionBomb = errors.New("decompressed payload exceeds maximum size")

	// ErrCorrupted is returned when a stored record fails verification.
	ErrCorrupted = errors.New("metadb: record corrupted")
)

// EnvelopeCodec turns records into stored envelopes and back.
//
// Envelope layout:
//
//	[1 byte version][1 byte encoding][32 byte blake3 digest][payload]
//
// The payload is the record in deterministic CBOR, zstd compressed when that
// pays off. The digest covers the uncompressed CBOR.
// Encoder and decoder are goroutine-safe and can be reused.
type EnvelopeCodec struct {
	enc     cbor.EncMode
	dec     cbor.DecMode
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewEnvelopeCodec creates a new codec with pooled zstd encoder/decoder.
func NewEnvelopeCodec() (*EnvelopeCodec, error) {
	encMode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("creating cbor encoder: %w", err)
	}
	decMode, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("creating cbor decoder: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecompressedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &EnvelopeCodec{
		enc:     encMode,
		dec:     decMode,
		encoder: enc,
		decoder: dec,
	}, nil
}

// Close releases encoder/decoder resources.
func (c *EnvelopeCodec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Marshal encodes v into an envelope.
func (c *EnvelopeCodec) Marshal(v any) ([]byte, error) {
	data, err := c.enc.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}

	payload, encoding, digest, err := c.EncodePayload(data)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, headerSize+len(payload))
	out = append(out, CurrentEnvelopeVersion, byte(encoding))
	out = append(out, digest[:]...)
	return append(out, payload...), nil
}

// Unmarshal verifies an envelope and decodes its record into v.
func (c *EnvelopeCodec) Unmarshal(envelope []byte, v any) error {
	if len(envelope) < headerSize {
		return fmt.Errorf("%w: short envelope (%d bytes)", ErrCorrupted, len(envelope))
	}
	if envelope[0] != CurrentEnvelopeVersion {
		return fmt.Errorf("%w: unsupported envelope version %d", ErrCorrupted, envelope[0])
	}

	var digest [digestSize]byte
	copy(digest[:], envelope[2:headerSize])

	data, err := c.DecodePayload(envelope[headerSize:], ContentEncoding(envelope[1]), digest)
	if err != nil {
		return err
	}

	if err := c.dec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: decoding record: %v", ErrCorrupted, err)
	}
	return nil
}

// EncodePayload compresses payload if beneficial and returns encoded bytes with encoding type.
// Also computes and returns the digest of the original (uncompressed) payload.
func (c *EnvelopeCodec) EncodePayload(data []byte) (payload []byte, encoding ContentEncoding, digest [digestSize]byte, err error) {
	if len(data) > MaxPayloadSize {
		return nil, EncodingIdentity, digest, ErrPayloadTooLarge
	}

	digest = blake3.Sum256(data)

	if len(data) < CompressionThreshold {
		return data, EncodingIdentity, digest, nil
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()

	if enc == nil {
		return data, EncodingIdentity, digest, nil
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, EncodingIdentity, digest, nil
	}

	return compressed, EncodingZstd, digest, nil
}

// DecodePayload decompresses payload if needed and verifies digest.
func (c *EnvelopeCodec) DecodePayload(payload []byte, encoding ContentEncoding, digest [digestSize]byte) ([]byte, error) {
	var data []byte
	switch encoding {
	case EncodingIdentity:
		data = payload
	case EncodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()

		if dec == nil {
			return nil, errors.New("decoder not initialized")
		}

		decompressed, err := dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: decompressing payload: %v", ErrCorrupted, err)
		}
		if len(decompressed) > MaxDecompressedSize {
			return nil, ErrDecompressionBomb
		}
		data = decompressed
	default:
		return nil, fmt.Errorf("%w: unsupported encoding %v", ErrCorrupted, encoding)
	}

	sum := blake3.Sum256(data)
	if !bytes.Equal(sum[:], digest[:]) {
		return nil, ErrCorrupted
	}
	return data, nil
}
