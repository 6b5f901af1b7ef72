//go:build !linux

package media

import "github.com/dermalink/consult-agent/internal/proto"

// Capture falls back to the synthetic source on platforms without
// mediadevices driver support. The session still negotiates valid
// m-lines; it just sends silence.
func Capture(kind proto.CallKind) (Source, error) {
	return Synthetic(kind)
}
