package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownProperty = errors.New("unknown property")
	ErrUnsupported     = errors.New("operation not supported")
	ErrInvalidValue    = errors.New("invalid property value")
	ErrNotAllowed      = errors.New("operation not allowed by peer capabilities")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNoActivePeer    = errors.New("no active peer")
	ErrPeerNotFound    = errors.New("peer not found")
	ErrNotReady        = errors.New("peer not ready")
	ErrRemote          = errors.New("remote call failed")
	ErrUnknownCommand  = errors.New("unknown command")
)

// RemoteError describes a failed round-trip to a peer.
type RemoteError struct {
	Peer      PeerID
	Interface Interface
	Member    string
	Err       error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s.%s on %s: %v", e.Interface, e.Member, e.Peer, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}

// NewRemoteError wraps err unless it is nil.
func NewRemoteError(peer PeerID, iface Interface, member string, err error) error {
	if err == nil {
		return nil
	}
	return &RemoteError{Peer: peer, Interface: iface, Member: member, Err: err}
}
