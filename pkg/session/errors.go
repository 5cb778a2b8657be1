package session

import "github.com/ethan/mediabridge-router/pkg/sfu"

// ErrorKind is the same case-stable string label type the router surfaces,
// extended with the signaling-layer-only kinds (§7) that never originate
// inside the SFU: a bad register-device call or a request arriving out of
// the state sequence never reaches the router at all.
type ErrorKind = sfu.ErrorKind

const (
	ErrMissingDeviceID ErrorKind = "MissingDeviceId"
	ErrProtocolOrder   ErrorKind = "ProtocolOrder"
	ErrUnknownStream   ErrorKind = "UnknownStream"
)

// kindOf maps any error — a *sfu.RouterError or otherwise — to the
// ErrorKind a reply should carry. Errors the router never tags, whichever
// request they come from, are reported as ProduceFailed.
func kindOf(err error) ErrorKind {
	if k, ok := sfu.Kind(err); ok {
		return k
	}
	return sfu.ErrProduceFailed
}
