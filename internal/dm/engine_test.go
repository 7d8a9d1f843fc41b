package dm

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/novadm/internal/auth"
	"github.com/danmuck/novadm/internal/session"
	"github.com/danmuck/novadm/internal/syncml"
	"github.com/danmuck/novadm/internal/syncml/tree"
	"github.com/danmuck/novadm/internal/syncml/wbxml"
	"github.com/danmuck/novadm/internal/update"
)

const (
	testDeviceID = "IMEI:356878012345678"
	testUser     = "nova-device"
	testPassword = "provision-secret"
	testServerID = "https://ota.example.net"
)

func testEngine(t *testing.T, packages []update.PackageDescriptor) *Engine {
	t.Helper()
	authenticator := auth.New(
		auth.StaticSecrets{testUser: testPassword},
		"novadm-server", "server-secret",
	)
	store := session.NewStore(time.Minute)
	registry := update.NewRegistry(testServerID, packages)
	return New(authenticator, store, registry, testServerID, zerolog.Nop())
}

func basicCred() *syncml.Credential {
	data := base64.StdEncoding.EncodeToString([]byte(testUser + ":" + testPassword))
	return &syncml.Credential{Type: syncml.AuthTypeBasic, Format: "b64", Data: data}
}

func deviceHeader(msgID int, cred *syncml.Credential) syncml.Header {
	return syncml.Header{
		SessionID: "s100",
		MsgID:     msgID,
		Target:    testServerID,
		Source:    testDeviceID,
		Cred:      cred,
	}
}

func encodeXML(t *testing.T, msg *syncml.Message) []byte {
	t.Helper()
	root, err := syncml.Build(msg)
	if err != nil {
		t.Fatalf("build device message: %v", err)
	}
	return tree.MarshalXML(root, syncml.XMLNS)
}

func parseResponse(t *testing.T, resp Response) *syncml.Message {
	t.Helper()
	var (
		root *tree.Node
		err  error
	)
	if resp.ContentType == syncml.ContentTypeWBXML {
		root, err = wbxml.NewCodec(wbxml.SyncML12Table()).Decode(resp.Body)
	} else {
		root, err = tree.ParseXML(resp.Body)
	}
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	msg, err := syncml.Parse(root)
	if err != nil {
		t.Fatalf("parse response: %v", err)
	}
	return msg
}

func findStatus(msg *syncml.Message, cmdName string) (syncml.Status, bool) {
	for _, cmd := range msg.Commands {
		if st, ok := cmd.(syncml.Status); ok && st.Cmd == cmdName {
			return st, true
		}
	}
	return syncml.Status{}, false
}

func handleXML(t *testing.T, e *Engine, msg *syncml.Message) *syncml.Message {
	t.Helper()
	resp, err := e.Handle(Request{Body: encodeXML(t, msg), ContentType: syncml.ContentTypeXML})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	return parseResponse(t, resp)
}

func TestSessionLifecycleWithOffer(t *testing.T) {
	e := testEngine(t, []update.PackageDescriptor{{
		Name:        "nova-cumulative",
		Version:     "3.0.5.903",
		Filename:    "nova-cumulative.ipk",
		SizeBytes:   10485760,
		TargetBuild: "Nova-3.0.5-903",
	}})

	// Message 1: session start.
	reply := handleXML(t, e, &syncml.Message{
		Header:   deviceHeader(1, basicCred()),
		Commands: []syncml.Command{syncml.Alert{Code: syncml.AlertClientInitiated}},
		Final:    true,
	})

	hdrStatus, ok := findStatus(reply, "SyncHdr")
	if !ok || hdrStatus.Code != syncml.StatusAuthAccepted {
		t.Fatalf("SyncHdr status = %+v", hdrStatus)
	}
	if st, ok := findStatus(reply, "Alert"); !ok || st.Code != syncml.StatusOK {
		t.Fatalf("Alert status = %+v ok=%v", st, ok)
	}
	var get syncml.Get
	ok = false
	var getID int
	for _, cmd := range reply.Commands {
		if g, isGet := cmd.(syncml.Get); isGet {
			get, ok = g, true
			getID = g.CmdID
		}
	}
	if !ok || len(get.Items) != 7 {
		t.Fatalf("device-info query = %+v ok=%v", get, ok)
	}

	// Message 2: device answers the query with a build below the target.
	var items []syncml.Item
	for _, item := range get.Items {
		value := "x"
		if strings.HasSuffix(item.Target, "Build") {
			value = "Nova-3.0.5-64"
		}
		items = append(items, syncml.Item{Source: item.Target, Data: value})
	}
	reply = handleXML(t, e, &syncml.Message{
		Header: deviceHeader(2, nil),
		Commands: []syncml.Command{
			syncml.Results{MsgRef: reply.Header.MsgID, CmdRef: getID, Items: items},
		},
		Final: true,
	})

	var (
		offerReplace syncml.Replace
		offerExec    syncml.Exec
		haveReplace  bool
		haveExec     bool
		execID       int
	)
	for _, cmd := range reply.Commands {
		switch c := cmd.(type) {
		case syncml.Replace:
			offerReplace, haveReplace = c, true
		case syncml.Exec:
			offerExec, haveExec = c, true
			execID = c.CmdID
		}
	}
	if !haveReplace || !haveExec {
		t.Fatalf("expected offer commands, got %+v", reply.Commands)
	}
	wantURL := testServerID + "/packages/nova-cumulative.ipk"
	foundURL := false
	for _, item := range offerReplace.Items {
		if strings.HasSuffix(item.Target, "PkgURL") && item.Data == wantURL {
			foundURL = true
		}
	}
	if !foundURL {
		t.Fatalf("PkgURL missing from offer: %+v", offerReplace.Items)
	}
	if len(offerExec.Items) != 1 || offerExec.Items[0].Target != operationDownloadAndInstall {
		t.Fatalf("Exec target = %+v", offerExec.Items)
	}

	// Message 3: device accepts the operation; session completes and the
	// store forgets it.
	handleXML(t, e, &syncml.Message{
		Header: deviceHeader(3, nil),
		Commands: []syncml.Command{
			syncml.Status{MsgRef: reply.Header.MsgID, CmdRef: execID, Cmd: "Exec", Code: syncml.StatusAcceptedForProcessing},
		},
		Final: true,
	})
	if n := e.Sessions().Len(); n != 0 {
		t.Fatalf("sessions remaining after completion: %d", n)
	}
}

func TestUpToDateDeviceCompletesWithoutOffer(t *testing.T) {
	e := testEngine(t, []update.PackageDescriptor{{
		Name:        "nova-cumulative",
		Filename:    "nova-cumulative.ipk",
		TargetBuild: "Nova-3.0.5-64",
	}})

	reply := handleXML(t, e, &syncml.Message{
		Header:   deviceHeader(1, basicCred()),
		Commands: []syncml.Command{syncml.Alert{Code: syncml.AlertClientInitiated}},
		Final:    true,
	})
	var get syncml.Get
	var getID int
	for _, cmd := range reply.Commands {
		if g, ok := cmd.(syncml.Get); ok {
			get = g
			getID = g.CmdID
		}
	}

	var items []syncml.Item
	for _, item := range get.Items {
		items = append(items, syncml.Item{Source: item.Target, Data: "Nova-3.0.5-64"})
	}
	reply = handleXML(t, e, &syncml.Message{
		Header: deviceHeader(2, nil),
		Commands: []syncml.Command{
			syncml.Results{MsgRef: 1, CmdRef: getID, Items: items},
		},
		Final: true,
	})

	for _, cmd := range reply.Commands {
		switch cmd.(type) {
		case syncml.Replace, syncml.Exec:
			t.Fatalf("unexpected offer for up-to-date device: %+v", cmd)
		}
	}
	if !reply.Final {
		t.Fatalf("final marker missing from closing response")
	}
	if n := e.Sessions().Len(); n != 0 {
		t.Fatalf("sessions remaining: %d", n)
	}
}

func TestChallengeThenHMACAccepted(t *testing.T) {
	e := testEngine(t, nil)

	// No credentials at all: the server must challenge, not process.
	resp, err := e.Handle(Request{
		Body: encodeXML(t, &syncml.Message{
			Header:   deviceHeader(1, nil),
			Commands: []syncml.Command{syncml.Alert{Code: syncml.AlertClientInitiated}},
			Final:    true,
		}),
		ContentType: syncml.ContentTypeXML,
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	reply := parseResponse(t, resp)
	hdrStatus, ok := findStatus(reply, "SyncHdr")
	if !ok || hdrStatus.Code != syncml.StatusCredentialsMissing {
		t.Fatalf("SyncHdr status = %+v", hdrStatus)
	}
	if hdrStatus.Chal == nil || hdrStatus.Chal.NextNonce == "" {
		t.Fatalf("challenge missing nonce: %+v", hdrStatus.Chal)
	}
	for _, cmd := range reply.Commands {
		if _, ok := cmd.(syncml.Get); ok {
			t.Fatalf("commands were processed before authentication")
		}
	}

	nonce, err := base64.StdEncoding.DecodeString(hdrStatus.Chal.NextNonce)
	if err != nil {
		t.Fatalf("decode nonce: %v", err)
	}

	// Retry with a MAC over the new body and the challenged nonce.
	body := encodeXML(t, &syncml.Message{
		Header:   deviceHeader(2, nil),
		Commands: []syncml.Command{syncml.Alert{Code: syncml.AlertClientInitiated}},
		Final:    true,
	})
	mac := auth.Compute(testUser, testPassword, nonce, body)
	resp, err = e.Handle(Request{
		Body:        body,
		ContentType: syncml.ContentTypeXML,
		HMACHeader:  "algorithm=MD5, username=" + testUser + ", mac=" + mac,
	})
	if err != nil {
		t.Fatalf("handle authenticated retry: %v", err)
	}
	reply = parseResponse(t, resp)
	if st, ok := findStatus(reply, "SyncHdr"); !ok || st.Code != syncml.StatusAuthAccepted {
		t.Fatalf("SyncHdr status after auth = %+v", st)
	}
	if resp.HMACHeader == "" {
		t.Fatalf("authenticated exchange should carry a signed response header")
	}
}

func TestRejectedAfterChallengeAborts(t *testing.T) {
	e := testEngine(t, nil)

	first := encodeXML(t, &syncml.Message{
		Header:   deviceHeader(1, nil),
		Commands: []syncml.Command{syncml.Alert{Code: syncml.AlertClientInitiated}},
		Final:    true,
	})
	if _, err := e.Handle(Request{Body: first, ContentType: syncml.ContentTypeXML}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	// Wrong secret against the issued nonce: reject, not re-challenge.
	body := encodeXML(t, &syncml.Message{
		Header:   deviceHeader(2, nil),
		Commands: []syncml.Command{syncml.Alert{Code: syncml.AlertClientInitiated}},
		Final:    true,
	})
	mac := auth.Compute(testUser, "wrong-secret", nil, body)
	resp, err := e.Handle(Request{
		Body:        body,
		ContentType: syncml.ContentTypeXML,
		HMACHeader:  "algorithm=MD5, username=" + testUser + ", mac=" + mac,
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	reply := parseResponse(t, resp)
	if st, ok := findStatus(reply, "SyncHdr"); !ok || st.Code != syncml.StatusUnauthorized {
		t.Fatalf("SyncHdr status = %+v", st)
	}
	if n := e.Sessions().Len(); n != 0 {
		t.Fatalf("rejected session still live: %d", n)
	}
}

func TestOutOfOrderMessageAborts(t *testing.T) {
	e := testEngine(t, nil)

	resp, err := e.Handle(Request{
		Body: encodeXML(t, &syncml.Message{
			Header:   deviceHeader(2, basicCred()),
			Commands: []syncml.Command{syncml.Alert{Code: syncml.AlertClientInitiated}},
			Final:    true,
		}),
		ContentType: syncml.ContentTypeXML,
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	reply := parseResponse(t, resp)
	if st, ok := findStatus(reply, "SyncHdr"); !ok || st.Code != syncml.StatusCommandFailed {
		t.Fatalf("SyncHdr status = %+v", st)
	}
	if n := e.Sessions().Len(); n != 0 {
		t.Fatalf("aborted session still live: %d", n)
	}
}

func TestUnknownCommandAnsweredNotImplemented(t *testing.T) {
	e := testEngine(t, nil)

	cred := basicCred()
	raw := `<SyncML xmlns="SYNCML:SYNCML1.2">
<SyncHdr>
<VerDTD>1.2</VerDTD><VerProto>DM/1.2</VerProto>
<SessionID>s100</SessionID><MsgID>1</MsgID>
<Target><LocURI>` + testServerID + `</LocURI></Target>
<Source><LocURI>` + testDeviceID + `</LocURI></Source>
<Cred><Meta><Format>b64</Format><Type>syncml:auth-basic</Type></Meta><Data>` + cred.Data + `</Data></Cred>
</SyncHdr>
<SyncBody>
<Alert><CmdID>1</CmdID><Data>1201</Data></Alert>
<Copy><CmdID>2</CmdID></Copy>
<Final/>
</SyncBody>
</SyncML>`

	resp, err := e.Handle(Request{Body: []byte(raw), ContentType: syncml.ContentTypeXML})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	reply := parseResponse(t, resp)
	if st, ok := findStatus(reply, "Copy"); !ok || st.Code != syncml.StatusNotImplemented {
		t.Fatalf("Copy status = %+v ok=%v", st, ok)
	}
	// The session survives an unknown command.
	if st, ok := findStatus(reply, "Alert"); !ok || st.Code != syncml.StatusOK {
		t.Fatalf("Alert status = %+v ok=%v", st, ok)
	}
	if n := e.Sessions().Len(); n != 1 {
		t.Fatalf("session count = %d, want 1", n)
	}
}

func TestInterleavedSessionsDoNotInterfere(t *testing.T) {
	e := testEngine(t, nil)

	header := func(device, sessionID string, msgID int, cred *syncml.Credential) syncml.Header {
		return syncml.Header{
			SessionID: sessionID,
			MsgID:     msgID,
			Target:    testServerID,
			Source:    device,
			Cred:      cred,
		}
	}
	start := func(device, sessionID string) *syncml.Message {
		reply := handleXML(t, e, &syncml.Message{
			Header:   header(device, sessionID, 1, basicCred()),
			Commands: []syncml.Command{syncml.Alert{Code: syncml.AlertClientInitiated}},
			Final:    true,
		})
		if reply.Header.MsgID != 1 {
			t.Fatalf("session %s first response MsgID = %d", sessionID, reply.Header.MsgID)
		}
		return reply
	}
	finish := func(device, sessionID string, first *syncml.Message) {
		var getID int
		var items []syncml.Item
		for _, cmd := range first.Commands {
			if g, ok := cmd.(syncml.Get); ok {
				getID = g.CmdID
				for _, item := range g.Items {
					items = append(items, syncml.Item{Source: item.Target, Data: "Nova-3.0.5-64"})
				}
			}
		}
		reply := handleXML(t, e, &syncml.Message{
			Header: header(device, sessionID, 2, nil),
			Commands: []syncml.Command{
				syncml.Results{MsgRef: 1, CmdRef: getID, Items: items},
			},
			Final: true,
		})
		if reply.Header.MsgID != 2 {
			t.Fatalf("session %s second response MsgID = %d", sessionID, reply.Header.MsgID)
		}
	}

	// Interleave two independent sessions message by message. With an
	// empty registry each completes on its second exchange.
	firstA := start("IMEI:1111", "sA")
	firstB := start("IMEI:2222", "sB")
	finish("IMEI:1111", "sA", firstA)
	finish("IMEI:2222", "sB", firstB)

	if n := e.Sessions().Len(); n != 0 {
		t.Fatalf("sessions remaining: %d", n)
	}
}

func TestDuplicateCmdIDAbortsSession(t *testing.T) {
	e := testEngine(t, nil)

	// Establish a live session first.
	handleXML(t, e, &syncml.Message{
		Header:   deviceHeader(1, basicCred()),
		Commands: []syncml.Command{syncml.Alert{Code: syncml.AlertClientInitiated}},
		Final:    true,
	})
	if n := e.Sessions().Len(); n != 1 {
		t.Fatalf("session count = %d, want 1", n)
	}

	// A message whose body reuses a CmdID decodes as a tree but violates
	// message invariants: the named session must be aborted, not left in
	// its prior state.
	raw := `<SyncML xmlns="SYNCML:SYNCML1.2">
<SyncHdr>
<VerDTD>1.2</VerDTD><VerProto>DM/1.2</VerProto>
<SessionID>s100</SessionID><MsgID>2</MsgID>
<Target><LocURI>` + testServerID + `</LocURI></Target>
<Source><LocURI>` + testDeviceID + `</LocURI></Source>
</SyncHdr>
<SyncBody>
<Get><CmdID>1</CmdID><Item><Target><LocURI>./Software/Build</LocURI></Target></Item></Get>
<Get><CmdID>1</CmdID><Item><Target><LocURI>./DevInfo/DevId</LocURI></Target></Item></Get>
<Final/>
</SyncBody>
</SyncML>`
	resp, err := e.Handle(Request{Body: []byte(raw), ContentType: syncml.ContentTypeXML})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	reply := parseResponse(t, resp)
	if st, ok := findStatus(reply, "SyncHdr"); !ok || st.Code != syncml.StatusCommandFailed {
		t.Fatalf("SyncHdr status = %+v", st)
	}
	if n := e.Sessions().Len(); n != 0 {
		t.Fatalf("aborted session still live: %d", n)
	}
}

func TestBadMsgIDAbortsNamedSession(t *testing.T) {
	e := testEngine(t, nil)

	handleXML(t, e, &syncml.Message{
		Header:   deviceHeader(1, basicCred()),
		Commands: []syncml.Command{syncml.Alert{Code: syncml.AlertClientInitiated}},
		Final:    true,
	})

	// MsgID 0 fails message validation, but the header still names the
	// session, so it is torn down rather than answered with a transport
	// error.
	raw := `<SyncML xmlns="SYNCML:SYNCML1.2">
<SyncHdr>
<VerDTD>1.2</VerDTD><VerProto>DM/1.2</VerProto>
<SessionID>s100</SessionID><MsgID>0</MsgID>
<Target><LocURI>` + testServerID + `</LocURI></Target>
<Source><LocURI>` + testDeviceID + `</LocURI></Source>
</SyncHdr>
<SyncBody><Final/></SyncBody>
</SyncML>`
	resp, err := e.Handle(Request{Body: []byte(raw), ContentType: syncml.ContentTypeXML})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	reply := parseResponse(t, resp)
	if st, ok := findStatus(reply, "SyncHdr"); !ok || st.Code != syncml.StatusCommandFailed {
		t.Fatalf("SyncHdr status = %+v", st)
	}
	if n := e.Sessions().Len(); n != 0 {
		t.Fatalf("aborted session still live: %d", n)
	}
}

func TestServerInitiatedAlertDoesNotStartFlow(t *testing.T) {
	e := testEngine(t, nil)

	reply := handleXML(t, e, &syncml.Message{
		Header:   deviceHeader(1, basicCred()),
		Commands: []syncml.Command{syncml.Alert{Code: syncml.AlertServerInitiated}},
		Final:    true,
	})

	if st, ok := findStatus(reply, "Alert"); !ok || st.Code != syncml.StatusOK {
		t.Fatalf("Alert status = %+v ok=%v", st, ok)
	}
	for _, cmd := range reply.Commands {
		if _, ok := cmd.(syncml.Get); ok {
			t.Fatalf("1200 alert started the device-info flow")
		}
	}
}

func TestUndecodableBodyReturnsErrDecode(t *testing.T) {
	e := testEngine(t, nil)
	if _, err := e.Handle(Request{Body: []byte("not a message"), ContentType: syncml.ContentTypeXML}); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
	if n := e.Sessions().Len(); n != 0 {
		t.Fatalf("undecodable message created a session")
	}
}

func TestWBXMLRequestGetsWBXMLResponse(t *testing.T) {
	e := testEngine(t, nil)
	codec := wbxml.NewCodec(wbxml.SyncML12Table())

	root, err := syncml.Build(&syncml.Message{
		Header:   deviceHeader(1, basicCred()),
		Commands: []syncml.Command{syncml.Alert{Code: syncml.AlertClientInitiated}},
		Final:    true,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	body, err := codec.Encode(root)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	resp, err := e.Handle(Request{Body: body, ContentType: syncml.ContentTypeWBXML})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.ContentType != syncml.ContentTypeWBXML {
		t.Fatalf("content type = %q", resp.ContentType)
	}
	reply := parseResponse(t, resp)
	if st, ok := findStatus(reply, "SyncHdr"); !ok || st.Code != syncml.StatusAuthAccepted {
		t.Fatalf("SyncHdr status = %+v", st)
	}
}
