// Package syncml owns the typed message model of the dialect and the
// transforms between it and the document tree: parse on the way in, build
// on the way out. It contains no transport or session state.
package syncml

// MetaField is one name/value pair inside a Meta element. Order is
// preserved so the encoder always produces the same stream for the same
// message.
type MetaField struct {
	Name  string
	Value string
}

// Item is the data container shared by most commands: an optional target
// URI, an optional source URI, optional payload, optional meta.
type Item struct {
	Target string
	Source string
	Data   string
	Meta   []MetaField
}

// Credential is the Cred element of the message header.
type Credential struct {
	Type   string
	Format string
	Data   string
}

// Challenge is the Chal element attached to an authentication-required
// status; NextNonce carries the fresh server nonce, base64.
type Challenge struct {
	Type      string
	Format    string
	NextNonce string
}

// Header is the SyncHdr portion of a message.
type Header struct {
	VerDTD    string
	VerProto  string
	SessionID string
	MsgID     int
	Target    string
	Source    string
	Cred      *Credential
	Meta      []MetaField
}

// Message is one complete protocol message: header, ordered commands, and
// the final marker.
type Message struct {
	Header   Header
	Commands []Command
	Final    bool
}

// Command is the closed set of body commands. New kinds are a
// compile-time-checked addition: every dispatch site type-switches over
// the full set.
type Command interface {
	isCommand()
}

// Alert signals session lifecycle events; Code is the alert class
// (1201 = client-initiated session start).
type Alert struct {
	CmdID int
	Code  int
	Items []Item
}

// Get asks the peer to read DM tree values.
type Get struct {
	CmdID int
	Items []Item
}

// Replace writes DM tree values on the peer.
type Replace struct {
	CmdID int
	Items []Item
}

// Exec triggers a named operation on the peer.
type Exec struct {
	CmdID int
	Items []Item
}

// Status acknowledges a prior command identified by MsgRef/CmdRef.
type Status struct {
	CmdID     int
	MsgRef    int
	CmdRef    int
	Cmd       string
	Code      int
	TargetRef string
	SourceRef string
	Chal      *Challenge
	Items     []Item
}

// Results carries the answer to a Get.
type Results struct {
	CmdID  int
	MsgRef int
	CmdRef int
	Items  []Item
}

// Unknown preserves a command element the server does not recognize, so
// the engine can answer it with a not-implemented status instead of
// failing the session.
type Unknown struct {
	CmdID int
	Name  string
}

func (Alert) isCommand()   {}
func (Get) isCommand()     {}
func (Replace) isCommand() {}
func (Exec) isCommand()    {}
func (Status) isCommand()  {}
func (Results) isCommand() {}
func (Unknown) isCommand() {}

// HeaderMeta returns the named header meta value, empty when absent.
func (m *Message) HeaderMeta(name string) string {
	for _, f := range m.Header.Meta {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}
