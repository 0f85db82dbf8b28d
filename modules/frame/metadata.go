package frame

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxMetadataSize is the largest metadata blob a frame carries.
const MaxMetadataSize = 255

var (
	// ErrMetadataTooLarge is returned when an encoded blob exceeds
	// MaxMetadataSize.
	ErrMetadataTooLarge = errors.New("frame: metadata exceeds 255 bytes")

	// ErrMetadataDecode wraps malformed blobs.
	ErrMetadataDecode = errors.New("frame: malformed metadata")
)

// MetadataAttr names one per-frame metadata value.
type MetadataAttr uint8

const (
	MetaFrameCounter MetadataAttr = iota + 1
	MetaActualFPS                 // Measured rate, in fps * 1000
	MetaExposure                  // Microseconds
	MetaGain
	MetaTemperature // Milli-degrees Celsius
	MetaSensorTimestamp
)

func (a MetadataAttr) String() string {
	switch a {
	case MetaFrameCounter:
		return "frame_counter"
	case MetaActualFPS:
		return "actual_fps"
	case MetaExposure:
		return "exposure"
	case MetaGain:
		return "gain"
	case MetaTemperature:
		return "temperature"
	case MetaSensorTimestamp:
		return "sensor_timestamp"
	default:
		return fmt.Sprintf("attr(%d)", uint8(a))
	}
}

// Metadata is the decoded form of Extension.Metadata.
type Metadata map[MetadataAttr]int64

// EncodeMetadata packs m with msgpack.
func EncodeMetadata(m Metadata) ([]byte, error) {
	wire := make(map[uint8]int64, len(m))
	for k, v := range m {
		wire[uint8(k)] = v
	}

	b, err := msgpack.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("frame: encode metadata: %w", err)
	}
	if len(b) > MaxMetadataSize {
		return nil, fmt.Errorf("%w (%d bytes)", ErrMetadataTooLarge, len(b))
	}
	return b, nil
}

// DecodeMetadata unpacks a blob produced by EncodeMetadata.
// An empty blob yields a nil map.
func DecodeMetadata(b []byte) (Metadata, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b) > MaxMetadataSize {
		return nil, fmt.Errorf("%w (%d bytes)", ErrMetadataTooLarge, len(b))
	}

	var wire map[uint8]int64
	if err := msgpack.Unmarshal(b, &wire); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMetadataDecode, err)
	}

	m := make(Metadata, len(wire))
	for k, v := range wire {
		m[MetadataAttr(k)] = v
	}
	return m, nil
}
