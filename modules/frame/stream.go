package frame

import "fmt"

// StreamKind identifies what a stream carries on a stereo device.
type StreamKind int

const (
	StreamLeft StreamKind = iota
	StreamRight
	StreamDisparity
	StreamMotion
	StreamPose
	StreamRecord
)

func (k StreamKind) String() string {
	switch k {
	case StreamLeft:
		return "left"
	case StreamRight:
		return "right"
	case StreamDisparity:
		return "disparity"
	case StreamMotion:
		return "motion"
	case StreamPose:
		return "pose"
	case StreamRecord:
		return "record"
	default:
		return fmt.Sprintf("stream(%d)", int(k))
	}
}

// FrameKind returns the frame kind produced by streams of this kind.
func (k StreamKind) FrameKind() Kind {
	switch k {
	case StreamDisparity:
		return KindDisparity
	case StreamMotion:
		return KindMotion
	case StreamPose:
		return KindPose
	case StreamRecord:
		return KindRecord
	default:
		return KindVideo
	}
}

// Stream describes one stream of a device. It is created by
// Context.NewStream and treated as immutable afterwards.
type Stream struct {
	UniqueID int        // Process-unique, assigned by Context
	Kind     StreamKind // What the stream carries
	Index    int        // Distinguishes streams of the same kind
	FPS      float64    // Declared rate; 0 when unknown
	Name     string
}

func (s *Stream) String() string {
	if s == nil {
		return "<nil stream>"
	}
	if s.Name != "" {
		return fmt.Sprintf("%s#%d", s.Name, s.UniqueID)
	}
	return fmt.Sprintf("%s/%d#%d", s.Kind, s.Index, s.UniqueID)
}
