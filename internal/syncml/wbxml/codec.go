// Package wbxml implements the binary encoding the device fleet speaks: a
// WBXML 1.3 stream over the SyncML 1.2 token table. The codec is a pure
// transform between bytes and the generic document tree; it knows nothing
// about message semantics.
package wbxml

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/danmuck/novadm/internal/syncml/tree"
)

var (
	ErrTruncated      = errors.New("wbxml: truncated stream")
	ErrBadLength      = errors.New("wbxml: malformed length prefix")
	ErrUnknownToken   = errors.New("wbxml: unknown tag token")
	ErrBadStringRef   = errors.New("wbxml: string table reference out of range")
	ErrUnexpectedEnd  = errors.New("wbxml: unexpected END token")
	ErrMissingContent = errors.New("wbxml: document has no root element")
)

// Codec encodes and decodes documents against an immutable token table.
type Codec struct {
	table *TokenTable
}

// NewCodec returns a codec driven by the given token table.
func NewCodec(table *TokenTable) *Codec {
	return &Codec{table: table}
}

// Decode parses a WBXML byte stream into a document tree. Any malformed
// length prefix, unknown tag token, or truncation is reported as an error
// value; the codec never panics on hostile input.
func (c *Codec) Decode(data []byte) (*tree.Node, error) {
	d := &decoder{data: data, table: c.table}
	return d.decode()
}

// Encode renders a document tree as a WBXML byte stream. The encoder
// always picks the token/code-page representation a conformant encoder
// would, because the device's decoder is fixed and non-lenient.
func (c *Codec) Encode(root *tree.Node) ([]byte, error) {
	e := &encoder{table: c.table}
	return e.encode(root)
}

type decoder struct {
	data     []byte
	pos      int
	page     byte
	strTable []byte
	table    *TokenTable
}

func (d *decoder) readByte() (byte, error) {
	if d.pos >= len(d.data) {
		return 0, ErrTruncated
	}
	b := d.data[d.pos]
	d.pos++
	return b, nil
}

// readMBUint reads a multi-byte unsigned integer: 7 bits per byte, high
// bit set on every byte except the last. Capped at 32 bits.
func (d *decoder) readMBUint() (uint32, error) {
	var result uint32
	for i := 0; ; i++ {
		if i >= 5 {
			return 0, ErrBadLength
		}
		b, err := d.readByte()
		if err != nil {
			return 0, err
		}
		result = result<<7 | uint32(b&0x7F)
		if b&0x80 == 0 {
			return result, nil
		}
	}
}

func (d *decoder) readInlineString() (string, error) {
	end := bytes.IndexByte(d.data[d.pos:], 0)
	if end < 0 {
		return "", ErrTruncated
	}
	s := string(d.data[d.pos : d.pos+end])
	d.pos += end + 1
	return s, nil
}

func (d *decoder) readOpaque() (string, error) {
	length, err := d.readMBUint()
	if err != nil {
		return "", err
	}
	if uint32(len(d.data)-d.pos) < length {
		return "", ErrTruncated
	}
	raw := d.data[d.pos : d.pos+int(length)]
	d.pos += int(length)
	if utf8.Valid(raw) {
		return string(raw), nil
	}
	// Binary payloads surface as base64 text, mirroring the device's own
	// handling of opaque content it cannot interpret.
	return base64.StdEncoding.EncodeToString(raw), nil
}

func (d *decoder) stringFromTable(offset uint32) (string, error) {
	if offset >= uint32(len(d.strTable)) {
		return "", ErrBadStringRef
	}
	rest := d.strTable[offset:]
	if end := bytes.IndexByte(rest, 0); end >= 0 {
		rest = rest[:end]
	}
	return string(rest), nil
}

func (d *decoder) decode() (*tree.Node, error) {
	// Preamble: version, public id, charset, string table.
	if _, err := d.readByte(); err != nil {
		return nil, err
	}
	publicID, err := d.readMBUint()
	if err != nil {
		return nil, err
	}
	if publicID == 0 {
		if _, err := d.readMBUint(); err != nil {
			return nil, err
		}
	}
	if _, err := d.readMBUint(); err != nil {
		return nil, err
	}
	strTableLen, err := d.readMBUint()
	if err != nil {
		return nil, err
	}
	if uint32(len(d.data)-d.pos) < strTableLen {
		return nil, ErrTruncated
	}
	d.strTable = d.data[d.pos : d.pos+int(strTableLen)]
	d.pos += int(strTableLen)

	root, err := d.parseElement()
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, ErrMissingContent
	}
	return root, nil
}

func (d *decoder) parseElement() (*tree.Node, error) {
	token, err := d.readByte()
	if err != nil {
		return nil, err
	}
	for token == tokSwitchPage {
		if d.page, err = d.readByte(); err != nil {
			return nil, err
		}
		if token, err = d.readByte(); err != nil {
			return nil, err
		}
	}
	if token == tokEnd {
		return nil, nil
	}

	hasContent := token&tagHasContent != 0
	hasAttrs := token&tagHasAttrs != 0

	var name string
	if token&tagCodeMask == tokLiteral {
		offset, err := d.readMBUint()
		if err != nil {
			return nil, err
		}
		if name, err = d.stringFromTable(offset); err != nil {
			return nil, err
		}
	} else {
		var ok bool
		name, ok = d.table.Name(d.page, token&tagCodeMask)
		if !ok {
			return nil, fmt.Errorf("%w: 0x%02X on page 0x%02X", ErrUnknownToken, token&tagCodeMask, d.page)
		}
	}

	elem := &tree.Node{Name: name}

	if hasAttrs {
		// The dialect carries no attributes; consume the attribute run so
		// a technically-valid stream still decodes.
		if err := d.skipAttributes(); err != nil {
			return nil, err
		}
	}
	if hasContent {
		if err := d.parseContent(elem); err != nil {
			return nil, err
		}
	}
	return elem, nil
}

func (d *decoder) skipAttributes() error {
	for {
		b, err := d.readByte()
		if err != nil {
			return err
		}
		if b == tokEnd {
			return nil
		}
	}
}

func (d *decoder) parseContent(elem *tree.Node) error {
	var text bytes.Buffer
	for {
		token, err := d.readByte()
		if err != nil {
			return err
		}
		switch token {
		case tokEnd:
			elem.Text = text.String()
			return nil
		case tokSwitchPage:
			if d.page, err = d.readByte(); err != nil {
				return err
			}
		case tokStrI:
			s, err := d.readInlineString()
			if err != nil {
				return err
			}
			text.WriteString(s)
		case tokStrT:
			offset, err := d.readMBUint()
			if err != nil {
				return err
			}
			s, err := d.stringFromTable(offset)
			if err != nil {
				return err
			}
			text.WriteString(s)
		case tokOpaque:
			s, err := d.readOpaque()
			if err != nil {
				return err
			}
			text.WriteString(s)
		default:
			d.pos--
			child, err := d.parseElement()
			if err != nil {
				return err
			}
			if child != nil {
				elem.Children = append(elem.Children, child)
			}
		}
	}
}

type encoder struct {
	table    *TokenTable
	body     bytes.Buffer
	strTable bytes.Buffer
	strIndex map[string]uint32
	page     byte
}

func (e *encoder) encode(root *tree.Node) ([]byte, error) {
	if root == nil {
		return nil, ErrMissingContent
	}
	e.strIndex = make(map[string]uint32)
	e.collectLiterals(root)

	if err := e.encodeElement(root); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	out.WriteByte(Version13)
	writeMBUint(&out, PublicIDSyncML12)
	writeMBUint(&out, CharsetUTF8)
	writeMBUint(&out, uint32(e.strTable.Len()))
	out.Write(e.strTable.Bytes())
	out.Write(e.body.Bytes())
	return out.Bytes(), nil
}

// collectLiterals pre-scans the tree so every tag absent from the token
// table has a string table entry before the body is written.
func (e *encoder) collectLiterals(n *tree.Node) {
	if _, _, ok := e.table.Token(n.Name); !ok {
		if _, seen := e.strIndex[n.Name]; !seen {
			e.strIndex[n.Name] = uint32(e.strTable.Len())
			e.strTable.WriteString(n.Name)
			e.strTable.WriteByte(0)
		}
	}
	for _, c := range n.Children {
		e.collectLiterals(c)
	}
}

func (e *encoder) switchPage(page byte) {
	if page != e.page {
		e.body.WriteByte(tokSwitchPage)
		e.body.WriteByte(page)
		e.page = page
	}
}

func (e *encoder) encodeElement(n *tree.Node) error {
	hasContent := n.Text != "" || len(n.Children) > 0

	if page, code, ok := e.table.Token(n.Name); ok {
		e.switchPage(page)
		if hasContent {
			code |= tagHasContent
		}
		e.body.WriteByte(code)
	} else {
		e.switchPage(0)
		code := tokLiteral
		if hasContent {
			code |= tagHasContent
		}
		e.body.WriteByte(code)
		writeMBUint(&e.body, e.strIndex[n.Name])
	}

	if !hasContent {
		return nil
	}
	if n.Text != "" {
		e.body.WriteByte(tokStrI)
		e.body.WriteString(n.Text)
		e.body.WriteByte(0)
	}
	for _, c := range n.Children {
		if err := e.encodeElement(c); err != nil {
			return err
		}
	}
	e.body.WriteByte(tokEnd)
	return nil
}

func writeMBUint(buf *bytes.Buffer, value uint32) {
	if value == 0 {
		buf.WriteByte(0)
		return
	}
	var tmp [5]byte
	n := 0
	for value > 0 {
		tmp[n] = byte(value & 0x7F)
		value >>= 7
		n++
	}
	for i := n - 1; i >= 0; i-- {
		b := tmp[i]
		if i > 0 {
			b |= 0x80
		}
		buf.WriteByte(b)
	}
}
