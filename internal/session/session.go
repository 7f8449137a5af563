package session

import (
	"context"
	"errors"
	"strings"

	"github.com/chatbridge/relay/internal/relay/domain"
)

// ErrProfileBusy marks an acquisition failure caused by the profile directory
// appearing to be in use. It is the only failure class the manager retries.
var ErrProfileBusy = errors.New("profile directory is already in use")

// Resource is a live, authenticated channel on the remote messaging network.
// At most one live Resource may exist per profile directory.
type Resource interface {
	// Send delivers body to a channel-form address ("447900000001@c.us").
	Send(ctx context.Context, address, body string) error

	// Inbound returns the stream of messages received from the network.
	// The channel is closed when the resource is closed.
	Inbound() <-chan domain.InboundMessage

	// PairingCode returns the current pairing code when the session is
	// waiting to be linked to an account, or empty once authenticated.
	PairingCode(ctx context.Context) (string, error)

	Close() error
}

// Opener creates a Resource bound to a profile directory. Implementations
// return an error matching IsBusy when the directory is locked by (or appears
// locked by) another instance.
type Opener interface {
	Open(ctx context.Context, profileDir string) (Resource, error)
}

// busySignatures are substrings observed in conflict errors from the
// underlying automation layer. Stale lock artifacts left by a dead process
// produce the same signatures as a genuinely competing instance.
var busySignatures = []string{
	"SingletonLock",
	"already in use",
	"resource busy",
	"ProcessSingleton",
}

// IsBusy reports whether err is a profile-in-use conflict, either the typed
// sentinel or a message carrying a known conflict signature.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrProfileBusy) {
		return true
	}
	msg := err.Error()
	for _, sig := range busySignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
