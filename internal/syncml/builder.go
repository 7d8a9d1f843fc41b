package syncml

import (
	"errors"
	"strconv"

	"github.com/danmuck/novadm/internal/syncml/tree"
)

var ErrNilMessage = errors.New("syncml: nil message")

// Build renders a message as a document tree. CmdID values are assigned
// here as a strictly increasing counter starting at 1, in command order;
// any CmdID already present on the command is ignored. Header version
// fields default to the dialect constants when unset.
func Build(msg *Message) (*tree.Node, error) {
	if msg == nil {
		return nil, ErrNilMessage
	}

	root := tree.New("SyncML", buildHeader(msg.Header))

	body := tree.New("SyncBody")
	cmdID := 0
	for _, cmd := range msg.Commands {
		cmdID++
		node, err := buildCommand(cmd, cmdID)
		if err != nil {
			return nil, err
		}
		body.Append(node)
	}
	if msg.Final {
		body.Append(tree.New("Final"))
	}
	root.Append(body)
	return root, nil
}

func buildHeader(h Header) *tree.Node {
	verDTD := h.VerDTD
	if verDTD == "" {
		verDTD = VerDTD
	}
	verProto := h.VerProto
	if verProto == "" {
		verProto = VerProto
	}

	hdr := tree.New("SyncHdr",
		tree.Leaf("VerDTD", verDTD),
		tree.Leaf("VerProto", verProto),
		tree.Leaf("SessionID", h.SessionID),
		tree.Leaf("MsgID", strconv.Itoa(h.MsgID)),
		tree.New("Target", tree.Leaf("LocURI", h.Target)),
		tree.New("Source", tree.Leaf("LocURI", h.Source)),
	)
	if h.Cred != nil {
		cred := tree.New("Cred")
		if h.Cred.Type != "" || h.Cred.Format != "" {
			meta := tree.New("Meta")
			if h.Cred.Format != "" {
				meta.Append(tree.Leaf("Format", h.Cred.Format))
			}
			if h.Cred.Type != "" {
				meta.Append(tree.Leaf("Type", h.Cred.Type))
			}
			cred.Append(meta)
		}
		cred.Append(tree.Leaf("Data", h.Cred.Data))
		hdr.Append(cred)
	}
	if len(h.Meta) > 0 {
		hdr.Append(buildMeta(h.Meta))
	}
	return hdr
}

var errUnknownOutbound = errors.New("syncml: cannot build Unknown command")

func buildCommand(cmd Command, cmdID int) (*tree.Node, error) {
	id := tree.Leaf("CmdID", strconv.Itoa(cmdID))

	switch c := cmd.(type) {
	case Alert:
		node := tree.New("Alert", id, tree.Leaf("Data", strconv.Itoa(c.Code)))
		appendItems(node, c.Items)
		return node, nil
	case Get:
		node := tree.New("Get", id)
		appendItems(node, c.Items)
		return node, nil
	case Replace:
		node := tree.New("Replace", id)
		appendItems(node, c.Items)
		return node, nil
	case Exec:
		node := tree.New("Exec", id)
		appendItems(node, c.Items)
		return node, nil
	case Status:
		node := tree.New("Status", id,
			tree.Leaf("MsgRef", strconv.Itoa(c.MsgRef)),
			tree.Leaf("CmdRef", strconv.Itoa(c.CmdRef)),
			tree.Leaf("Cmd", c.Cmd),
		)
		if c.TargetRef != "" {
			node.Append(tree.Leaf("TargetRef", c.TargetRef))
		}
		if c.SourceRef != "" {
			node.Append(tree.Leaf("SourceRef", c.SourceRef))
		}
		if c.Chal != nil {
			node.Append(tree.New("Chal",
				tree.New("Meta",
					tree.Leaf("Format", c.Chal.Format),
					tree.Leaf("Type", c.Chal.Type),
					tree.Leaf("NextNonce", c.Chal.NextNonce),
				),
			))
		}
		node.Append(tree.Leaf("Data", strconv.Itoa(c.Code)))
		appendItems(node, c.Items)
		return node, nil
	case Results:
		node := tree.New("Results", id,
			tree.Leaf("MsgRef", strconv.Itoa(c.MsgRef)),
			tree.Leaf("CmdRef", strconv.Itoa(c.CmdRef)),
		)
		appendItems(node, c.Items)
		return node, nil
	case Unknown:
		return nil, errUnknownOutbound
	}
	return nil, errUnknownOutbound
}

func appendItems(node *tree.Node, items []Item) {
	for _, item := range items {
		n := tree.New("Item")
		if item.Target != "" {
			n.Append(tree.New("Target", tree.Leaf("LocURI", item.Target)))
		}
		if item.Source != "" {
			n.Append(tree.New("Source", tree.Leaf("LocURI", item.Source)))
		}
		if len(item.Meta) > 0 {
			n.Append(buildMeta(item.Meta))
		}
		if item.Data != "" {
			n.Append(tree.Leaf("Data", item.Data))
		}
		node.Append(n)
	}
}

func buildMeta(fields []MetaField) *tree.Node {
	meta := tree.New("Meta")
	for _, f := range fields {
		meta.Append(tree.Leaf(f.Name, f.Value))
	}
	return meta
}
