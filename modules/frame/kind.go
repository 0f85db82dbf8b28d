package frame

import "fmt"

// Kind is the closed set of frame shapes. Every kind shares one Frame type
// and one release path; kind only selects which header fields are valid.
type Kind int

const (
	KindVideo Kind = iota
	KindDisparity
	KindMotion
	KindPose
	KindRecord
	KindComposite

	numKinds
)

// Kinds lists every frame kind in declaration order.
var Kinds = []Kind{KindVideo, KindDisparity, KindMotion, KindPose, KindRecord, KindComposite}

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindDisparity:
		return "disparity"
	case KindMotion:
		return "motion"
	case KindPose:
		return "pose"
	case KindRecord:
		return "record"
	case KindComposite:
		return "composite"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	return k >= KindVideo && k < numKinds
}

// TimestampDomain tells which clock produced Extension.Timestamp.
type TimestampDomain int

const (
	DomainHardware TimestampDomain = iota
	DomainSystem
	DomainGlobal
)

func (d TimestampDomain) String() string {
	switch d {
	case DomainHardware:
		return "hardware"
	case DomainSystem:
		return "system"
	case DomainGlobal:
		return "global"
	default:
		return fmt.Sprintf("domain(%d)", int(d))
	}
}
