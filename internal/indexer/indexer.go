package indexer

import (
	"bytes"
	"encoding/base64"
	"io"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"github.com/melvynkim/wildduck/internal/model"
)

// attachmentThreshold: an inline part larger than this is treated as an
// attachment blob rather than inlined into stored headers.
const attachmentThreshold = 300 * 1024

// Attachment is one extracted MIME part destined for the blob store.
type Attachment struct {
	ContentID   string
	Filename    string
	ContentType string
	Data        []byte
}

// Parsed is everything the Message Handler needs out of a raw RFC 822
// message to build a model.Message: envelope, body structure, headers and
// the extracted attachments.
type Parsed struct {
	Envelope      []interface{}
	BodyStructure interface{}
	Headers       []model.HeaderField
	HeaderDate    time.Time
	Attachments   []Attachment
}

// Indexer parses raw messages into the structures FETCH needs to render.
// It is stateless and safe for concurrent use.
type Indexer struct{}

// New returns a ready-to-use Indexer.
func New() *Indexer { return &Indexer{} }

// Parse parses raw into envelope, bodystructure, flattened headers, and any
// attachment blobs found in the MIME tree.
func (ix *Indexer) Parse(raw []byte) (*Parsed, error) {
	tree, err := parseMIME(raw)
	if err != nil {
		return nil, err
	}

	result := &Parsed{
		Envelope:      buildEnvelope(tree),
		BodyStructure: buildBodyStructure(tree, bodyStructureOptions{upperCaseKeys: true}),
		Headers:       extractHeaders(tree),
		HeaderDate:    extractDate(tree),
	}
	collectAttachments(tree, &result.Attachments)
	return result, nil
}

// extractHeaders flattens the top-level node's parsed headers into ordered
// (key, original-value) pairs, re-deriving the original textual value from
// whatever structured form processNodeHeader parsed it into.
func extractHeaders(node *mimeNode) []model.HeaderField {
	if node == nil {
		return nil
	}
	var out []model.HeaderField
	for _, line := range node.header {
		if foldedHeaderRe.MatchString(line) {
			continue // continuation line, already folded into the previous entry
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(parts[0]))
		value := headerFoldRe.ReplaceAllString(strings.TrimSpace(parts[1]), " ")
		out = append(out, model.HeaderField{Key: key, Value: value})
	}
	return out
}

// extractDate parses the message's Date header (RFC 5322), falling back to
// the zero time when absent or unparseable; the Message Handler falls back
// further to internaldate.
func extractDate(node *mimeNode) time.Time {
	if node == nil {
		return time.Time{}
	}
	v, ok := node.parsedHeader["date"].(string)
	if !ok {
		return time.Time{}
	}
	t, err := mail.ParseDate(v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// collectAttachments walks the MIME tree depth first, decoding and
// collecting any leaf part that is explicitly an attachment disposition or
// that exceeds attachmentThreshold.
func collectAttachments(node *mimeNode, out *[]Attachment) {
	if node == nil {
		return
	}
	if node.message != nil {
		collectAttachments(node.message, out)
		return
	}
	if len(node.childNodes) > 0 {
		for _, child := range node.childNodes {
			collectAttachments(child, out)
		}
		return
	}

	ct := contentTypeOf(node)
	disposition := dispositionOf(node)
	isAttachment := disposition == "attachment" || (ct.typ != "text" && node.size > attachmentThreshold)
	if !isAttachment {
		return
	}

	data := decodeContent(node)
	if len(data) == 0 {
		return
	}

	var contentID string
	if v, ok := node.parsedHeader["content-id"].(string); ok {
		contentID = strings.Trim(v, "<>")
	}

	*out = append(*out, Attachment{
		ContentID:   contentID,
		Filename:    filenameOf(node),
		ContentType: ct.value,
		Data:        data,
	})
}

func dispositionOf(node *mimeNode) string {
	if dp, ok := node.parsedHeader["content-disposition"].(*valueParams); ok {
		return dp.typ
	}
	return ""
}

func filenameOf(node *mimeNode) string {
	if dp, ok := node.parsedHeader["content-disposition"].(*valueParams); ok {
		if name, ok := dp.params["filename"]; ok {
			return decodeHeaderWord(name)
		}
	}
	if ct, ok := node.parsedHeader["content-type"].(*valueParams); ok {
		if name, ok := ct.params["name"]; ok {
			return decodeHeaderWord(name)
		}
	}
	return ""
}

func decodeHeaderWord(s string) string {
	dec := new(mime.WordDecoder)
	if decoded, err := dec.DecodeHeader(s); err == nil {
		return decoded
	}
	return s
}

// decodeContent applies the part's content-transfer-encoding (base64,
// quoted-printable) to its raw body.
func decodeContent(node *mimeNode) []byte {
	encoding := "7bit"
	if v, ok := node.parsedHeader["content-transfer-encoding"].(string); ok {
		encoding = strings.ToLower(strings.TrimSpace(v))
	}

	switch encoding {
	case "base64":
		cleaned := strings.Map(func(r rune) rune {
			if r == '\r' || r == '\n' {
				return -1
			}
			return r
		}, string(node.body))
		data, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			return nil
		}
		return data
	case "quoted-printable":
		data, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(node.body)))
		if err != nil {
			return nil
		}
		return data
	default:
		return node.body
	}
}
