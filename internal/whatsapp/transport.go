package whatsapp

import (
	"context"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
)

// PairingCode is delivered by a transport whenever a new code should be shown.
type PairingCode struct {
	Code string
}

// Transport is one live protocol connection. Protocol events (whatsmeow
// event values plus *PairingCode) are pushed to the handler given to the
// factory, in delivery order.
type Transport interface {
	Downloader

	Connect() error
	// Disconnect closes the socket and keeps the linked device
	Disconnect()
	// Logout unlinks the device and discards its auth state
	Logout(ctx context.Context) error
	// RefreshPairing returns the next pairing code if one is queued. When the
	// batch is exhausted it asks the server for a fresh one and returns false;
	// the new code arrives as a *PairingCode event.
	RefreshPairing() (string, bool)
	// SelfJID is the authenticated device address, empty before pairing
	SelfJID() types.JID
	SendMessage(ctx context.Context, to types.JID, msg *waE2E.Message) (types.MessageID, time.Time, error)
}

// TransportSpec identifies the auth context a transport is built over.
type TransportSpec struct {
	SessionID string
	// DeviceJID selects a linked device; empty means a fresh, unpaired one
	DeviceJID string
}

// TransportFactory builds transports over a shared auth store.
type TransportFactory interface {
	NewTransport(ctx context.Context, spec TransportSpec, handler func(evt interface{})) (Transport, error)
	// Forget drops the auth state of a linked device
	Forget(ctx context.Context, deviceJID string) error
}
