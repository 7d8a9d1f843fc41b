package syncml

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/novadm/internal/syncml/tree"
)

var (
	ErrNotSyncML       = errors.New("syncml: root element is not SyncML")
	ErrMissingHeader   = errors.New("syncml: missing SyncHdr")
	ErrMissingBody     = errors.New("syncml: missing SyncBody")
	ErrBadMsgID        = errors.New("syncml: MsgID is not a positive integer")
	ErrBadCmdID        = errors.New("syncml: CmdID is not a positive integer")
	ErrDuplicateCmdID  = errors.New("syncml: duplicate CmdID in message")
	ErrBadAlertCode    = errors.New("syncml: Alert Data is not a numeric code")
	ErrBadStatusFields = errors.New("syncml: Status missing MsgRef/CmdRef")
)

// Parse converts a document tree into a typed message. The tree is
// namespace-normalized in place first; unknown top-level elements are
// ignored with a warning, unknown command elements become Unknown
// variants.
func Parse(root *tree.Node) (*Message, error) {
	root.Normalize()
	if root.Name != "SyncML" {
		return nil, fmt.Errorf("%w: got %q", ErrNotSyncML, root.Name)
	}

	msg := &Message{}
	var hdr, body *tree.Node
	for _, child := range root.Children {
		switch child.Name {
		case "SyncHdr":
			hdr = child
		case "SyncBody":
			body = child
		default:
			log.Warn().Str("element", child.Name).Msg("syncml: ignoring unknown top-level element")
		}
	}
	if hdr == nil {
		return nil, ErrMissingHeader
	}
	if body == nil {
		return nil, ErrMissingBody
	}

	var err error
	if msg.Header, err = parseHeader(hdr); err != nil {
		return nil, err
	}

	seen := make(map[int]bool)
	for _, elem := range body.Children {
		if elem.Name == "Final" {
			msg.Final = true
			continue
		}
		cmd, err := parseCommand(elem)
		if err != nil {
			return nil, err
		}
		id := commandID(cmd)
		if seen[id] {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateCmdID, id)
		}
		seen[id] = true
		msg.Commands = append(msg.Commands, cmd)
	}
	return msg, nil
}

func parseHeader(hdr *tree.Node) (Header, error) {
	h := Header{
		VerDTD:    hdr.ChildText("VerDTD"),
		VerProto:  hdr.ChildText("VerProto"),
		SessionID: hdr.ChildText("SessionID"),
	}

	msgID, err := positiveInt(hdr.ChildText("MsgID"))
	if err != nil {
		return Header{}, fmt.Errorf("%w: %q", ErrBadMsgID, hdr.ChildText("MsgID"))
	}
	h.MsgID = msgID

	if target := hdr.Child("Target"); target != nil {
		h.Target = target.ChildText("LocURI")
	}
	if source := hdr.Child("Source"); source != nil {
		h.Source = source.ChildText("LocURI")
	}
	if cred := hdr.Child("Cred"); cred != nil {
		c := &Credential{Data: cred.ChildText("Data")}
		if meta := cred.Child("Meta"); meta != nil {
			c.Type = meta.ChildText("Type")
			c.Format = meta.ChildText("Format")
		}
		h.Cred = c
	}
	if meta := hdr.Child("Meta"); meta != nil {
		h.Meta = parseMeta(meta)
	}
	return h, nil
}

func parseCommand(elem *tree.Node) (Command, error) {
	cmdID, err := positiveInt(elem.ChildText("CmdID"))
	if err != nil {
		return nil, fmt.Errorf("%w: %q in %s", ErrBadCmdID, elem.ChildText("CmdID"), elem.Name)
	}

	switch elem.Name {
	case "Alert":
		code := 0
		if raw := elem.ChildText("Data"); raw != "" {
			if code, err = strconv.Atoi(raw); err != nil {
				return nil, fmt.Errorf("%w: %q", ErrBadAlertCode, raw)
			}
		}
		return Alert{CmdID: cmdID, Code: code, Items: parseItems(elem)}, nil
	case "Get":
		return Get{CmdID: cmdID, Items: parseItems(elem)}, nil
	case "Replace":
		return Replace{CmdID: cmdID, Items: parseItems(elem)}, nil
	case "Exec":
		return Exec{CmdID: cmdID, Items: parseItems(elem)}, nil
	case "Status":
		msgRef, err := positiveInt(elem.ChildText("MsgRef"))
		if err != nil {
			return nil, fmt.Errorf("%w: MsgRef %q", ErrBadStatusFields, elem.ChildText("MsgRef"))
		}
		// CmdRef 0 refers to the SyncHdr itself.
		cmdRef, err := strconv.Atoi(elem.ChildText("CmdRef"))
		if err != nil || cmdRef < 0 {
			return nil, fmt.Errorf("%w: CmdRef %q", ErrBadStatusFields, elem.ChildText("CmdRef"))
		}
		code, _ := strconv.Atoi(elem.ChildText("Data"))
		st := Status{
			CmdID:     cmdID,
			MsgRef:    msgRef,
			CmdRef:    cmdRef,
			Cmd:       elem.ChildText("Cmd"),
			Code:      code,
			TargetRef: elem.ChildText("TargetRef"),
			SourceRef: elem.ChildText("SourceRef"),
			Items:     parseItems(elem),
		}
		if chal := elem.Child("Chal"); chal != nil {
			if meta := chal.Child("Meta"); meta != nil {
				st.Chal = &Challenge{
					Type:      meta.ChildText("Type"),
					Format:    meta.ChildText("Format"),
					NextNonce: meta.ChildText("NextNonce"),
				}
			}
		}
		return st, nil
	case "Results":
		msgRef, err := positiveInt(elem.ChildText("MsgRef"))
		if err != nil {
			return nil, fmt.Errorf("%w: MsgRef %q", ErrBadStatusFields, elem.ChildText("MsgRef"))
		}
		cmdRef, err := positiveInt(elem.ChildText("CmdRef"))
		if err != nil {
			return nil, fmt.Errorf("%w: CmdRef %q", ErrBadStatusFields, elem.ChildText("CmdRef"))
		}
		return Results{CmdID: cmdID, MsgRef: msgRef, CmdRef: cmdRef, Items: parseItems(elem)}, nil
	default:
		return Unknown{CmdID: cmdID, Name: elem.Name}, nil
	}
}

func parseItems(elem *tree.Node) []Item {
	var items []Item
	for _, child := range elem.Children {
		if child.Name != "Item" {
			continue
		}
		item := Item{Data: child.ChildText("Data")}
		if t := child.Child("Target"); t != nil {
			item.Target = t.ChildText("LocURI")
		}
		if s := child.Child("Source"); s != nil {
			item.Source = s.ChildText("LocURI")
		}
		if meta := child.Child("Meta"); meta != nil {
			item.Meta = parseMeta(meta)
		}
		items = append(items, item)
	}
	return items
}

func parseMeta(meta *tree.Node) []MetaField {
	fields := make([]MetaField, 0, len(meta.Children))
	for _, child := range meta.Children {
		fields = append(fields, MetaField{Name: child.Name, Value: child.Text})
	}
	return fields
}

func positiveInt(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("non-positive value %d", n)
	}
	return n, nil
}

func commandID(cmd Command) int {
	switch c := cmd.(type) {
	case Alert:
		return c.CmdID
	case Get:
		return c.CmdID
	case Replace:
		return c.CmdID
	case Exec:
		return c.CmdID
	case Status:
		return c.CmdID
	case Results:
		return c.CmdID
	case Unknown:
		return c.CmdID
	}
	return 0
}
