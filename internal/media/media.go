// Package media defines the buffer kinds and buffered time range types shared
// by the operation scheduler, the wire protocol and the simulated resources.
package media

import "fmt"

// Kind identifies the media category of a buffer. A container holds at most
// one buffer per kind.
type Kind uint8

// Supported buffer kinds.
const (
	KindAudio Kind = iota + 1
	KindVideo
)

// Kinds lists every supported kind in creation order.
var Kinds = []Kind{KindAudio, KindVideo}

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether k is one of the supported kinds.
func (k Kind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

// ParseKind parses "audio" or "video".
func ParseKind(s string) (Kind, error) {
	switch s {
	case "audio":
		return KindAudio, nil
	case "video":
		return KindVideo, nil
	}
	return 0, fmt.Errorf("unknown buffer kind %q", s)
}
