package imapserver

import (
	"fmt"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/melvynkim/wildduck/internal/model"
)

// quoteIMAPString renders s as an IMAP quoted string (RFC 3501 §4.3),
// escaping backslash and double-quote.
func quoteIMAPString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// renderIMAPValue walks the generic interface{} tree the Indexer built
// (Envelope/BodyStructure) into literal IMAP response syntax:
// strings become quoted strings, nil becomes NIL, slices become
// parenthesized lists, numbers render as bare decimals. primitive.A is
// handled alongside []interface{} since a list that round-tripped through
// the Storage Gateway's Mongo driver decodes into that type instead of the
// plain Go one the Indexer originally produced. Any other type, including
// primitive.M, renders as NIL.
func renderIMAPValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "NIL"
	case string:
		return quoteIMAPString(t)
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatInt(int64(t), 10)
	case []interface{}:
		return renderIMAPList(t)
	case primitive.A:
		return renderIMAPList([]interface{}(t))
	default:
		return "NIL"
	}
}

func renderIMAPList(items []interface{}) string {
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = renderIMAPValue(it)
	}
	return "(" + strings.Join(parts, " ") + ")"
}

func flagsString(m *model.Message) string {
	parts := make([]string, len(m.Flags))
	copy(parts, m.Flags)
	return strings.Join(parts, " ")
}

// expandFetchMacro expands the FAST/ALL/FULL shorthand (RFC 3501 §6.4.5) into
// their constituent items.
func expandFetchMacro(items []string) []string {
	var out []string
	for _, it := range items {
		switch strings.ToUpper(it) {
		case "FAST":
			out = append(out, "FLAGS", "INTERNALDATE", "RFC822.SIZE")
		case "ALL":
			out = append(out, "FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE")
		case "FULL":
			out = append(out, "FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE", "BODY")
		default:
			out = append(out, it)
		}
	}
	return out
}

// renderFetchItem renders one requested FETCH data item for msg. It returns
// the rendered "NAME value" fragment and whether rendering it must mark the
// message \Seen (any BODY[...]/RFC822 item without .PEEK).
func renderFetchItem(msg *model.Message, item string) (rendered string, marksSeen bool) {
	upper := strings.ToUpper(item)
	switch {
	case upper == "UID":
		return fmt.Sprintf("UID %d", msg.UID), false
	case upper == "FLAGS":
		return fmt.Sprintf("FLAGS (%s)", flagsString(msg)), false
	case upper == "INTERNALDATE":
		return fmt.Sprintf(`INTERNALDATE "%s"`, msg.InternalDate.Format("02-Jan-2006 15:04:05 -0700")), false
	case upper == "RFC822.SIZE":
		return fmt.Sprintf("RFC822.SIZE %d", msg.Size), false
	case upper == "MODSEQ":
		return fmt.Sprintf("MODSEQ (%d)", msg.Modseq), false
	case upper == "ENVELOPE":
		return "ENVELOPE " + renderIMAPList(msg.Envelope), false
	case upper == "BODYSTRUCTURE":
		return "BODYSTRUCTURE " + renderIMAPValue(msg.BodyStructure), false
	case upper == "BODY" && !strings.Contains(upper, "["):
		return "BODY " + renderIMAPValue(msg.BodyStructure), false
	case strings.HasPrefix(upper, "BODY.PEEK[") || strings.HasPrefix(upper, "BODY["):
		return renderBodySection(msg, item, upper)
	case upper == "RFC822":
		return fmt.Sprintf("RFC822 {%d}\r\n%s", len(msg.Raw), msg.Raw), true
	case upper == "RFC822.HEADER":
		h := renderHeaders(msg)
		return fmt.Sprintf("RFC822.HEADER {%d}\r\n%s", len(h), h), false
	case upper == "RFC822.TEXT":
		t := renderHeaders(msg) // body text isn't retained separately; headers stand in, per the indexer's header-only storage
		return fmt.Sprintf("RFC822.TEXT {%d}\r\n%s", len(t), t), true
	default:
		return "", false
	}
}

func renderHeaders(msg *model.Message) string {
	var b strings.Builder
	for _, h := range msg.Headers {
		fmt.Fprintf(&b, "%s: %s\r\n", h.Key, h.Value)
	}
	b.WriteString("\r\n")
	return b.String()
}

// renderBodySection handles BODY[...]/BODY.PEEK[...] sections. Every
// section, including [], [TEXT], HEADER.FIELDS and MIME part numbers,
// renders the stored header block: the Storage Gateway keeps parsed
// headers but neither the message body nor per-part byte ranges, so no
// section returns body text.
func renderBodySection(msg *model.Message, item, upper string) (string, bool) {
	peek := strings.HasPrefix(upper, "BODY.PEEK[")
	open := strings.IndexByte(item, '[')
	closeIdx := strings.IndexByte(item, ']')
	section := ""
	if open >= 0 && closeIdx > open {
		section = strings.ToUpper(item[open+1 : closeIdx])
	}

	name := "BODY[" + item[open+1:closeIdx] + "]"
	var data string
	switch section {
	case "", "TEXT":
		data = renderHeaders(msg)
	case "HEADER":
		data = renderHeaders(msg)
	default:
		data = renderHeaders(msg)
	}
	return fmt.Sprintf("%s {%d}\r\n%s", name, len(data), data), !peek
}
