package wbxml

// Global control tokens from the WBXML 1.3 specification.
const (
	tokSwitchPage byte = 0x00
	tokEnd        byte = 0x01
	tokEntity     byte = 0x02
	tokStrI       byte = 0x03
	tokLiteral    byte = 0x04
	tokStrT       byte = 0x83
	tokOpaque     byte = 0xC3

	tagHasContent byte = 0x40
	tagHasAttrs   byte = 0x80
	tagCodeMask   byte = 0x3F
)

// PublicIDSyncML12 identifies the -//SYNCML//DTD SyncML 1.2//EN document
// type in the WBXML preamble.
const PublicIDSyncML12 = 0x1201

// CharsetUTF8 is the MIBenum value the fleet sends for UTF-8.
const CharsetUTF8 = 106

// Version13 is the WBXML version byte for 1.3.
const Version13 = 0x03

// CodePage is one numbered partition of the token table.
type CodePage struct {
	ID    byte
	Tags  map[byte]string
	codes map[string]byte
}

// TokenTable maps tag tokens to names across code pages. Immutable after
// construction; safe for concurrent use.
type TokenTable struct {
	pages map[byte]*CodePage
}

// NewTokenTable builds a table from the given pages.
func NewTokenTable(pages ...*CodePage) *TokenTable {
	t := &TokenTable{pages: make(map[byte]*CodePage, len(pages))}
	for _, p := range pages {
		p.codes = make(map[string]byte, len(p.Tags))
		for code, name := range p.Tags {
			p.codes[name] = code
		}
		t.pages[p.ID] = p
	}
	return t
}

// Name resolves a tag token on the given page.
func (t *TokenTable) Name(page, code byte) (string, bool) {
	p, ok := t.pages[page]
	if !ok {
		return "", false
	}
	name, ok := p.Tags[code]
	return name, ok
}

// Token resolves a tag name to (page, code), scanning pages in ascending
// id order so the encoder always picks the same representation.
func (t *TokenTable) Token(name string) (page, code byte, ok bool) {
	for pid := 0; pid < 256; pid++ {
		p, exists := t.pages[byte(pid)]
		if !exists {
			continue
		}
		if c, found := p.codes[name]; found {
			return byte(pid), c, true
		}
	}
	return 0, 0, false
}

// SyncML12Table returns the token table for the SyncML 1.2 / OMA DM 1.2
// dialect: code page 0 carries the SyncML representation tags, code page 1
// the MetInf tags.
func SyncML12Table() *TokenTable {
	return NewTokenTable(
		&CodePage{ID: 0x00, Tags: syncmlTags},
		&CodePage{ID: 0x01, Tags: metinfTags},
	)
}

// Code page 0x00: SyncML 1.2 representation protocol tags.
var syncmlTags = map[byte]string{
	0x05: "Add",
	0x06: "Alert",
	0x07: "Archive",
	0x08: "Atomic",
	0x09: "Chal",
	0x0A: "Cmd",
	0x0B: "CmdID",
	0x0C: "CmdRef",
	0x0D: "Copy",
	0x0E: "Cred",
	0x0F: "Data",
	0x10: "Delete",
	0x11: "Exec",
	0x12: "Final",
	0x13: "Get",
	0x14: "Item",
	0x15: "Lang",
	0x16: "LocName",
	0x17: "LocURI",
	0x18: "Map",
	0x19: "MapItem",
	0x1A: "Meta",
	0x1B: "MsgID",
	0x1C: "MsgRef",
	0x1D: "NoResp",
	0x1E: "NoResults",
	0x1F: "Put",
	0x20: "Replace",
	0x21: "RespURI",
	0x22: "Results",
	0x23: "Search",
	0x24: "Sequence",
	0x25: "SessionID",
	0x26: "SftDel",
	0x27: "Source",
	0x28: "SourceRef",
	0x29: "Status",
	0x2A: "Sync",
	0x2B: "SyncBody",
	0x2C: "SyncHdr",
	0x2D: "SyncML",
	0x2E: "Target",
	0x2F: "TargetRef",
	0x31: "VerDTD",
	0x32: "VerProto",
	0x33: "NumberOfChanges",
	0x34: "MoreData",
	0x35: "Field",
	0x36: "Filter",
	0x37: "Record",
	0x38: "FilterType",
	0x39: "SourceParent",
	0x3A: "TargetParent",
	0x3B: "Move",
	0x3C: "Correlator",
}

// Code page 0x01: MetInf tags.
var metinfTags = map[byte]string{
	0x05: "Anchor",
	0x06: "EMI",
	0x07: "Format",
	0x08: "FreeID",
	0x09: "FreeMem",
	0x0A: "Last",
	0x0B: "Mark",
	0x0C: "MaxMsgSize",
	0x0D: "Mem",
	0x0E: "MetInf",
	0x0F: "Next",
	0x10: "NextNonce",
	0x11: "SharedMem",
	0x12: "Size",
	0x13: "Type",
	0x14: "Version",
	0x15: "MaxObjSize",
	0x16: "FieldLevel",
}
