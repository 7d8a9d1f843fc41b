// Package session tracks per-device protocol progress across the
// multi-message exchange that makes up one management session.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/novadm/internal/update"
)

var (
	ErrMsgIDOutOfOrder   = errors.New("session: message id out of order")
	ErrTerminalState     = errors.New("session: message received in terminal state")
	ErrInvalidTransition = errors.New("session: invalid state transition")
)

// State is the protocol position of one session.
type State string

const (
	StateInit               State = "init"
	StateAwaitingDeviceInfo State = "awaiting_device_info"
	StateAwaitingResults    State = "awaiting_results"
	StateReadyToOffer       State = "ready_to_offer"
	StateCompleted          State = "completed"
	StateAborted            State = "aborted"
)

// allowed forward transitions; Aborted is reachable from anywhere.
var transitions = map[State][]State{
	StateInit:               {StateAwaitingDeviceInfo},
	StateAwaitingDeviceInfo: {StateAwaitingResults},
	StateAwaitingResults:    {StateReadyToOffer},
	StateReadyToOffer:       {StateCompleted},
}

// DeviceInfo is what the device has told us about itself so far. Values
// arrive only as Results payloads in the protocol stream.
type DeviceInfo struct {
	DeviceID        string
	Manufacturer    string
	Model           string
	FirmwareVersion string
	SoftwareVersion string
	HardwareVersion string
	Build           string
	DMVersion       string
	Language        string
}

// Record files a reported value under the DM tree path it came from.
func (d *DeviceInfo) Record(path, value string) {
	switch leaf := pathLeaf(path); leaf {
	case "devid":
		d.DeviceID = value
	case "man":
		d.Manufacturer = value
	case "mod":
		d.Model = value
	case "fwv":
		d.FirmwareVersion = value
	case "swv":
		d.SoftwareVersion = value
	case "hwv":
		d.HardwareVersion = value
	case "build":
		d.Build = value
	case "dmv":
		d.DMVersion = value
	case "lang":
		d.Language = value
	}
}

func pathLeaf(path string) string {
	path = strings.TrimRight(path, "/")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		path = path[i+1:]
	}
	return strings.ToLower(path)
}

// Session is the state for one (device, session id) pair. All access goes
// through the Store, which serializes message processing per session.
type Session struct {
	ID       string
	DeviceID string
	State    State

	// LastInboundMsgID is the last accepted device message id; the next
	// one must be exactly LastInboundMsgID+1.
	LastInboundMsgID int
	// OutboundMsgID is the last message id the server sent in this
	// session.
	OutboundMsgID int

	Authenticated bool
	Username      string
	ServerNonce   []byte
	ClientNonce   []byte
	// NonceIssued marks that a challenge went out; a subsequent auth
	// failure is a reject, not another challenge.
	NonceIssued bool

	Device       DeviceInfo
	PendingOffer []update.PackageDescriptor

	CreatedAt    time.Time
	LastActivity time.Time
}

// AcceptInbound validates the strict +1 message ordering and records the
// message id. A gap or repeat is a protocol violation.
func (s *Session) AcceptInbound(msgID int) error {
	if s.State == StateCompleted || s.State == StateAborted {
		return fmt.Errorf("%w: %s", ErrTerminalState, s.State)
	}
	if msgID != s.LastInboundMsgID+1 {
		return fmt.Errorf("%w: got %d, want %d", ErrMsgIDOutOfOrder, msgID, s.LastInboundMsgID+1)
	}
	s.LastInboundMsgID = msgID
	s.LastActivity = time.Now()
	return nil
}

// NextOutbound allocates the next server message id for this session.
func (s *Session) NextOutbound() int {
	s.OutboundMsgID++
	return s.OutboundMsgID
}

// Transition moves the session forward along the state machine. Aborted
// is reachable from any state; other transitions must follow the chain.
func (s *Session) Transition(to State) error {
	if to == StateAborted {
		s.State = StateAborted
		return nil
	}
	for _, next := range transitions[s.State] {
		if next == to {
			s.State = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, to)
}

// Terminal reports whether the session reached Completed or Aborted.
func (s *Session) Terminal() bool {
	return s.State == StateCompleted || s.State == StateAborted
}

// Expired reports whether the session passed the inactivity window.
func (s *Session) Expired(timeout time.Duration, now time.Time) bool {
	return now.Sub(s.LastActivity) > timeout
}
