// Package dm is the protocol engine: it decodes an inbound message,
// authenticates it, walks it through the session state machine, dispatches
// its commands, and produces the signed response. All protocol errors are
// surfaced to the device through the body's own Status mechanism.
package dm

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/danmuck/novadm/internal/auth"
	"github.com/danmuck/novadm/internal/dmtree"
	"github.com/danmuck/novadm/internal/observability"
	"github.com/danmuck/novadm/internal/session"
	"github.com/danmuck/novadm/internal/syncml"
	"github.com/danmuck/novadm/internal/syncml/tree"
	"github.com/danmuck/novadm/internal/syncml/wbxml"
	"github.com/danmuck/novadm/internal/update"
)

var (
	// ErrDecode wraps any codec or parse failure: the message cannot be
	// interpreted at all and no protocol response can name the session.
	ErrDecode = errors.New("dm: undecodable message")
	// ErrSessionBusy mirrors the per-session serialization discipline.
	ErrSessionBusy = errors.New("dm: session busy")
)

const operationDownloadAndInstall = "./Software/Operations/DownloadAndInstall"

// Request is one raw device POST as seen by the transport.
type Request struct {
	Body        []byte
	ContentType string
	HMACHeader  string
}

// Response carries the encoded protocol reply and its transport headers.
type Response struct {
	Body        []byte
	ContentType string
	HMACHeader  string
}

// Engine wires the codec, authenticator, session store, DM tree, and rule
// engine into the request/response exchange.
type Engine struct {
	codec    *wbxml.Codec
	auth     *auth.Authenticator
	sessions *session.Store
	registry *update.Registry
	tree     *dmtree.Tree
	serverID string
	logger   zerolog.Logger
}

// New constructs the engine. serverID is the LocURI this server announces
// as its source.
func New(
	authenticator *auth.Authenticator,
	sessions *session.Store,
	registry *update.Registry,
	serverID string,
	logger zerolog.Logger,
) *Engine {
	return &Engine{
		codec:    wbxml.NewCodec(wbxml.SyncML12Table()),
		auth:     authenticator,
		sessions: sessions,
		registry: registry,
		tree:     dmtree.New(),
		serverID: serverID,
		logger:   logger,
	}
}

// Handle processes one device message and returns the reply. Errors are
// returned only when no protocol-level response can be produced (the body
// was undecodable, or the session is mid-message); everything else is
// expressed inside the response body.
func (e *Engine) Handle(req Request) (Response, error) {
	root, err := e.decodeTree(req)
	if err != nil {
		observability.RecordDMRequest("decode_error")
		e.logger.Warn().Err(err).Msg("undecodable device message")
		return Response{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	msg, err := syncml.Parse(root)
	if err != nil {
		// The tree decoded but violates message invariants: a protocol
		// error, which aborts the affected session when the header still
		// names one.
		return e.abortUnparsed(root, req, err)
	}

	deviceID := msg.Header.Source
	sess, created, err := e.sessions.Acquire(deviceID, msg.Header.SessionID)
	if err != nil {
		observability.RecordDMRequest("busy")
		return Response{}, fmt.Errorf("%w: %s", ErrSessionBusy, msg.Header.SessionID)
	}
	defer e.sessions.Release(sess)

	log := e.logger.With().
		Str("session_id", sess.ID).
		Str("device", deviceID).
		Int("msg_id", msg.Header.MsgID).
		Logger()

	if err := sess.AcceptInbound(msg.Header.MsgID); err != nil {
		log.Warn().Err(err).Msg("message ordering violation")
		observability.RecordDMRequest("protocol_error")
		return e.abort(sess, msg, req)
	}
	if created {
		log.Info().Msg("session created")
		observability.RecordSessionCreated()
	}

	e.captureClientNonce(sess, msg)

	verdict, authErr := e.authenticate(sess, msg, req)
	switch verdict {
	case auth.Rejected:
		log.Warn().Err(authErr).Msg("authentication rejected")
		observability.RecordDMRequest("unauthorized")
		return e.reject(sess, msg, req)
	case auth.ChallengeRequired:
		log.Info().Err(authErr).Msg("issuing authentication challenge")
		observability.RecordDMRequest("challenge")
		return e.challenge(sess, msg, req)
	}

	out, err := e.dispatch(sess, msg, log)
	if err != nil {
		log.Warn().Err(err).Msg("protocol violation")
		observability.RecordDMRequest("protocol_error")
		return e.abort(sess, msg, req)
	}

	observability.RecordDMRequest("ok")
	if sess.State == session.StateCompleted {
		log.Info().Str("build", sess.Device.Build).Msg("session completed")
		observability.RecordSessionClosed(string(session.StateCompleted))
	}
	return e.respond(sess, msg, req, out)
}

// decodeTree picks the codec by content type, falling back to sniffing
// the WBXML version byte.
func (e *Engine) decodeTree(req Request) (*tree.Node, error) {
	if isWBXML(req.ContentType, req.Body) {
		return e.codec.Decode(req.Body)
	}
	return tree.ParseXML(req.Body)
}

// abortUnparsed handles a decodable tree that failed message validation
// (duplicate CmdID, bad MsgID, malformed Status refs). When the header
// still identifies a session, that session is aborted and answered with a
// failed header status; otherwise the violation is indistinguishable from
// an undecodable body.
func (e *Engine) abortUnparsed(root *tree.Node, req Request, parseErr error) (Response, error) {
	deviceID, sessionID, msgID, ok := headerIdentity(root)
	if !ok {
		observability.RecordDMRequest("decode_error")
		e.logger.Warn().Err(parseErr).Msg("undecodable device message")
		return Response{}, fmt.Errorf("%w: %v", ErrDecode, parseErr)
	}

	sess, _, err := e.sessions.Acquire(deviceID, sessionID)
	if err != nil {
		observability.RecordDMRequest("busy")
		return Response{}, fmt.Errorf("%w: %s", ErrSessionBusy, sessionID)
	}
	defer e.sessions.Release(sess)

	e.logger.Warn().Err(parseErr).
		Str("session_id", sessionID).
		Str("device", deviceID).
		Msg("protocol violation")
	observability.RecordDMRequest("protocol_error")

	msg := &syncml.Message{Header: syncml.Header{
		SessionID: sessionID,
		MsgID:     msgID,
		Source:    deviceID,
	}}
	return e.abort(sess, msg, req)
}

// headerIdentity recovers the session key from a normalized tree whose
// message-level validation failed.
func headerIdentity(root *tree.Node) (deviceID, sessionID string, msgID int, ok bool) {
	root.Normalize()
	if root.Name != "SyncML" {
		return "", "", 0, false
	}
	hdr := root.Child("SyncHdr")
	if hdr == nil {
		return "", "", 0, false
	}
	if src := hdr.Child("Source"); src != nil {
		deviceID = src.ChildText("LocURI")
	}
	sessionID = hdr.ChildText("SessionID")
	msgID, _ = strconv.Atoi(hdr.ChildText("MsgID"))
	return deviceID, sessionID, msgID, deviceID != "" && sessionID != ""
}

func isWBXML(contentType string, body []byte) bool {
	if strings.Contains(contentType, "wbxml") {
		return true
	}
	return len(body) > 0 && (body[0] == 0x02 || body[0] == 0x03)
}

// captureClientNonce stores the device's NextNonce for signing responses.
func (e *Engine) captureClientNonce(sess *session.Session, msg *syncml.Message) {
	raw := msg.HeaderMeta("NextNonce")
	if raw == "" {
		return
	}
	nonce, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		// Some firmware revisions send the nonce unencoded.
		nonce = []byte(raw)
	}
	sess.ClientNonce = nonce
}

// authenticate applies the challenge/reject ladder of the dialect. A
// session authenticates once; later messages re-verify only when the
// device re-sends credentials.
func (e *Engine) authenticate(sess *session.Session, msg *syncml.Message, req Request) (auth.Result, error) {
	if req.HMACHeader != "" {
		h, err := auth.ParseHeader(req.HMACHeader)
		if err != nil {
			if sess.NonceIssued {
				return auth.Rejected, err
			}
			return auth.ChallengeRequired, err
		}
		result, err := e.auth.Verify(h, req.Body, sess.ServerNonce, sess.NonceIssued)
		if result == auth.Accepted {
			sess.Authenticated = true
			sess.Username = h.Username
		}
		return result, err
	}

	if sess.Authenticated {
		return auth.Accepted, nil
	}
	if cred := msg.Header.Cred; cred != nil && strings.Contains(cred.Type, "auth-basic") {
		if username, ok := e.verifyBasic(cred.Data); ok {
			sess.Authenticated = true
			sess.Username = username
			return auth.Accepted, nil
		}
		if sess.NonceIssued {
			return auth.Rejected, auth.ErrBadCredentials
		}
		return auth.ChallengeRequired, auth.ErrBadCredentials
	}
	if sess.NonceIssued {
		return auth.Rejected, auth.ErrMissingHeader
	}
	return auth.ChallengeRequired, auth.ErrMissingHeader
}

func (e *Engine) verifyBasic(data string) (string, bool) {
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", false
	}
	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", false
	}
	result, _ := e.auth.Verify(auth.Header{
		Username: username,
		MAC:      auth.Compute(username, password, nil, nil),
	}, nil, nil, false)
	return username, result == auth.Accepted
}

// Registry exposes the loaded package registry for the read-only HTTP
// views.
func (e *Engine) Registry() *update.Registry {
	return e.registry
}

// Sessions exposes the session store for inspection endpoints.
func (e *Engine) Sessions() *session.Store {
	return e.sessions
}
