package dm

import (
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/danmuck/novadm/internal/auth"
	"github.com/danmuck/novadm/internal/dmtree"
	"github.com/danmuck/novadm/internal/observability"
	"github.com/danmuck/novadm/internal/session"
	"github.com/danmuck/novadm/internal/syncml"
	"github.com/danmuck/novadm/internal/syncml/tree"
	"github.com/danmuck/novadm/internal/update"
)

// dispatch processes the authenticated message body. It returns the
// response commands in order: the SyncHdr status first, then one status
// per inbound command that requires one, then any server commands.
func (e *Engine) dispatch(sess *session.Session, msg *syncml.Message, log zerolog.Logger) ([]syncml.Command, error) {
	out := []syncml.Command{e.headerStatus(msg, syncml.StatusAuthAccepted, nil)}
	var serverCmds []syncml.Command

	for _, cmd := range msg.Commands {
		switch c := cmd.(type) {
		case syncml.Alert:
			status, cmds, err := e.handleAlert(sess, msg, c, log)
			if err != nil {
				return nil, err
			}
			out = append(out, status)
			serverCmds = append(serverCmds, cmds...)

		case syncml.Results:
			out = append(out, e.handleResults(sess, msg, c, log))

		case syncml.Replace:
			for _, item := range c.Items {
				sess.Device.Record(item.Source, item.Data)
			}
			out = append(out, ackStatus(msg, c.CmdID, "Replace", syncml.StatusOK))

		case syncml.Get:
			status, results := e.handleGet(sess, msg, c)
			out = append(out, status)
			if results != nil {
				serverCmds = append(serverCmds, *results)
			}

		case syncml.Status:
			e.handleDeviceStatus(sess, c, log)

		case syncml.Exec:
			// Devices never Exec against the server.
			out = append(out, ackStatus(msg, c.CmdID, "Exec", syncml.StatusNotImplemented))

		case syncml.Unknown:
			log.Warn().Str("command", c.Name).Msg("unrecognized command element")
			observability.RecordUnknownCommand(c.Name)
			out = append(out, ackStatus(msg, c.CmdID, c.Name, syncml.StatusNotImplemented))
		}
	}

	// The device-info queries went out; their answers come back as Results
	// in the next message.
	if sess.State == session.StateAwaitingDeviceInfo && containsGet(serverCmds) {
		if err := sess.Transition(session.StateAwaitingResults); err != nil {
			return nil, err
		}
	}

	if sess.State == session.StateReadyToOffer && sess.PendingOffer == nil {
		offer, err := e.emitOffer(sess, log)
		if err != nil {
			return nil, err
		}
		serverCmds = append(serverCmds, offer...)
	}

	return append(out, serverCmds...), nil
}

func (e *Engine) handleAlert(sess *session.Session, msg *syncml.Message, c syncml.Alert, log zerolog.Logger) (syncml.Command, []syncml.Command, error) {
	switch c.Code {
	case syncml.AlertClientInitiated:
		if sess.State != session.StateInit {
			// Session-start alert on an already running session: the device
			// restarted its end without a new session id.
			log.Warn().Int("code", c.Code).Msg("session-start alert mid-session")
			return ackStatus(msg, c.CmdID, "Alert", syncml.StatusOK), nil, nil
		}
		if err := sess.Transition(session.StateAwaitingDeviceInfo); err != nil {
			return nil, nil, err
		}
		paths := dmtree.DevInfoPaths()
		items := make([]syncml.Item, 0, len(paths))
		for _, path := range paths {
			items = append(items, syncml.Item{Target: path})
		}
		get := syncml.Get{Items: items}
		return ackStatus(msg, c.CmdID, "Alert", syncml.StatusOK), []syncml.Command{get}, nil

	case syncml.AlertServerInitiated, syncml.AlertDisplay, syncml.AlertConfirm, syncml.AlertUserInput:
		// 1200 is acknowledged but never starts the flow; the fleet's
		// devices open their own sessions with 1201.
		return ackStatus(msg, c.CmdID, "Alert", syncml.StatusOK), nil, nil

	default:
		log.Warn().Int("code", c.Code).Msg("unsupported alert code")
		return ackStatus(msg, c.CmdID, "Alert", syncml.StatusNotImplemented), nil, nil
	}
}

func (e *Engine) handleResults(sess *session.Session, msg *syncml.Message, c syncml.Results, log zerolog.Logger) syncml.Command {
	for _, item := range c.Items {
		sess.Device.Record(item.Source, item.Data)
	}
	if sess.State == session.StateAwaitingResults && deviceBuild(sess) != "" {
		if err := sess.Transition(session.StateReadyToOffer); err != nil {
			log.Warn().Err(err).Msg("results arrived out of phase")
		}
	}
	return ackStatus(msg, c.CmdID, "Results", syncml.StatusOK)
}

// handleGet answers a device-side read against the package namespace or
// the server's management tree.
func (e *Engine) handleGet(sess *session.Session, msg *syncml.Message, c syncml.Get) (syncml.Command, *syncml.Results) {
	var answered []syncml.Item
	for _, item := range c.Items {
		if value, ok := e.readPath(sess, item.Target); ok {
			answered = append(answered, syncml.Item{Source: item.Target, Data: value})
		}
	}

	code := syncml.StatusOK
	if len(answered) == 0 {
		code = syncml.StatusNotFound
	}
	status := ackStatus(msg, c.CmdID, "Get", code)
	if len(answered) == 0 {
		return status, nil
	}
	return status, &syncml.Results{MsgRef: msg.Header.MsgID, CmdRef: c.CmdID, Items: answered}
}

// readPath resolves a Get target. Package leaves reflect the best offer
// for this device; anything else comes from the shared tree.
func (e *Engine) readPath(sess *session.Session, path string) (string, bool) {
	offer, haveOffer := e.bestOffer(sess)

	switch leafOf(path) {
	case "pkgname":
		if haveOffer {
			return offer.Name, true
		}
	case "pkgversion":
		if haveOffer {
			return offer.Version, true
		}
	case "pkgurl":
		if haveOffer {
			return e.registry.DownloadURL(offer), true
		}
	case "pkgsize":
		if haveOffer {
			return strconv.FormatInt(offer.SizeBytes, 10), true
		}
	case "pkgdesc":
		if haveOffer {
			return offer.Description, true
		}
	}

	value, err := e.tree.Get(path)
	if err != nil {
		return "", false
	}
	return value, true
}

func (e *Engine) bestOffer(sess *session.Session) (update.PackageDescriptor, bool) {
	if len(sess.PendingOffer) > 0 {
		return sess.PendingOffer[0], true
	}
	offers := e.registry.Evaluate(deviceBuild(sess))
	if len(offers) == 0 {
		return update.PackageDescriptor{}, false
	}
	return offers[0], true
}

// handleDeviceStatus consumes the device's acknowledgment of a prior
// server command. The Exec acknowledgment closes the offer.
func (e *Engine) handleDeviceStatus(sess *session.Session, c syncml.Status, log zerolog.Logger) {
	if c.Cmd == "SyncHdr" {
		return
	}
	acksExec := c.Cmd == "Exec" || strings.Contains(c.TargetRef, "DownloadAndInstall")
	if !acksExec || sess.State != session.StateReadyToOffer || sess.PendingOffer == nil {
		return
	}
	if c.Code >= 300 {
		log.Warn().Int("code", c.Code).Msg("device refused update operation")
		observability.RecordOfferOutcome("refused")
		sess.Transition(session.StateAborted)
		return
	}
	observability.RecordOfferOutcome("accepted")
	if err := sess.Transition(session.StateCompleted); err != nil {
		log.Warn().Err(err).Msg("completion out of phase")
	}
}

// emitOffer evaluates the registry against the reported build. Every
// eligible package yields a Replace describing it plus an Exec of the
// install operation; an empty evaluation completes the session with no
// commands.
func (e *Engine) emitOffer(sess *session.Session, log zerolog.Logger) ([]syncml.Command, error) {
	build := deviceBuild(sess)
	offers := e.registry.Evaluate(build)
	if len(offers) == 0 {
		log.Info().Str("build", build).Msg("device up to date")
		return nil, sess.Transition(session.StateCompleted)
	}

	sess.PendingOffer = offers
	observability.RecordOfferIssued(len(offers))
	log.Info().Str("build", build).Int("packages", len(offers)).Msg("offering update")

	var cmds []syncml.Command
	for _, pkg := range offers {
		items := []syncml.Item{
			{Target: "./Software/Package/PkgName", Data: pkg.Name},
			{Target: "./Software/Package/PkgVersion", Data: pkg.Version},
			{Target: "./Software/Package/PkgURL", Data: e.registry.DownloadURL(pkg)},
			{Target: "./Software/Package/PkgSize", Data: strconv.FormatInt(pkg.SizeBytes, 10)},
			{Target: "./Software/Package/PkgDesc", Data: pkg.Description},
		}
		if pkg.Checksum != "" {
			items = append(items, syncml.Item{Target: "./Software/Package/PkgChecksum", Data: pkg.Checksum})
		}
		if pkg.InstallNotifyURL != "" {
			items = append(items, syncml.Item{Target: "./Software/Package/PkgInstallNotify", Data: pkg.InstallNotifyURL})
		}
		cmds = append(cmds,
			syncml.Replace{Items: items},
			syncml.Exec{Items: []syncml.Item{{
				Target: operationDownloadAndInstall,
				Meta:   []syncml.MetaField{{Name: "Format", Value: "chr"}},
			}}},
		)
	}
	return cmds, nil
}

// deviceBuild is the version string fed to the rule engine, preferring
// the build leaf over the generic software/firmware versions.
func deviceBuild(sess *session.Session) string {
	if sess.Device.Build != "" {
		return sess.Device.Build
	}
	if sess.Device.SoftwareVersion != "" {
		return sess.Device.SoftwareVersion
	}
	return sess.Device.FirmwareVersion
}

func leafOf(path string) string {
	path = strings.TrimRight(path, "/")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		path = path[i+1:]
	}
	return strings.ToLower(path)
}

func containsGet(cmds []syncml.Command) bool {
	for _, cmd := range cmds {
		if _, ok := cmd.(syncml.Get); ok {
			return true
		}
	}
	return false
}

// headerStatus acknowledges the inbound SyncHdr itself.
func (e *Engine) headerStatus(msg *syncml.Message, code int, chal *syncml.Challenge) syncml.Status {
	return syncml.Status{
		MsgRef:    msg.Header.MsgID,
		CmdRef:    0,
		Cmd:       "SyncHdr",
		Code:      code,
		TargetRef: msg.Header.Target,
		SourceRef: msg.Header.Source,
		Chal:      chal,
	}
}

func ackStatus(msg *syncml.Message, cmdRef int, cmdName string, code int) syncml.Status {
	return syncml.Status{
		MsgRef: msg.Header.MsgID,
		CmdRef: cmdRef,
		Cmd:    cmdName,
		Code:   code,
	}
}

// challenge issues a fresh nonce and an authentication-required header
// status without processing any body commands.
func (e *Engine) challenge(sess *session.Session, msg *syncml.Message, req Request) (Response, error) {
	nonce, err := auth.NewNonce()
	if err != nil {
		return Response{}, err
	}
	sess.ServerNonce = nonce
	sess.NonceIssued = true

	chal := &syncml.Challenge{
		Type:      syncml.AuthTypeMAC,
		Format:    "b64",
		NextNonce: base64.StdEncoding.EncodeToString(nonce),
	}
	out := []syncml.Command{e.headerStatus(msg, syncml.StatusCredentialsMissing, chal)}
	return e.respond(sess, msg, req, out)
}

// reject answers a failed credential after a challenge and aborts the
// session.
func (e *Engine) reject(sess *session.Session, msg *syncml.Message, req Request) (Response, error) {
	sess.Transition(session.StateAborted)
	out := []syncml.Command{e.headerStatus(msg, syncml.StatusUnauthorized, nil)}
	return e.respond(sess, msg, req, out)
}

// abort answers a protocol violation with a failed header status and
// tears the session down.
func (e *Engine) abort(sess *session.Session, msg *syncml.Message, req Request) (Response, error) {
	sess.Transition(session.StateAborted)
	observability.RecordSessionClosed(string(session.StateAborted))
	out := []syncml.Command{e.headerStatus(msg, syncml.StatusCommandFailed, nil)}
	return e.respond(sess, msg, req, out)
}

// respond assembles, encodes, and signs the reply in the same
// representation the request arrived in.
func (e *Engine) respond(sess *session.Session, msg *syncml.Message, req Request, out []syncml.Command) (Response, error) {
	reply := &syncml.Message{
		Header: syncml.Header{
			SessionID: msg.Header.SessionID,
			MsgID:     sess.NextOutbound(),
			Target:    msg.Header.Source,
			Source:    e.serverID,
		},
		Commands: out,
		Final:    true,
	}

	root, err := syncml.Build(reply)
	if err != nil {
		return Response{}, err
	}

	var resp Response
	if isWBXML(req.ContentType, req.Body) {
		resp.Body, err = e.codec.Encode(root)
		resp.ContentType = syncml.ContentTypeWBXML
	} else {
		resp.Body = tree.MarshalXML(root, syncml.XMLNS)
		resp.ContentType = syncml.ContentTypeXML
	}
	if err != nil {
		return Response{}, err
	}

	if req.HMACHeader != "" {
		resp.HMACHeader = e.auth.Sign(resp.Body, sess.ClientNonce).Format()
	}
	return resp, nil
}
