package indexer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const simpleMessage = "From: Alice <alice@example.com>\r\n" +
	"To: Bob <bob@example.com>\r\n" +
	"Subject: Hello\r\n" +
	"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Hi Bob,\r\n" +
	"See you soon.\r\n"

func TestParseSimpleMessage(t *testing.T) {
	p, err := New().Parse([]byte(simpleMessage))
	require.NoError(t, err)

	require.Len(t, p.Envelope, 10)
	assert.Equal(t, "Hello", p.Envelope[1])
	assert.False(t, p.HeaderDate.IsZero())

	bs, ok := p.BodyStructure.([]interface{})
	require.True(t, ok)
	require.GreaterOrEqual(t, len(bs), 2)
	assert.Equal(t, "TEXT", bs[0])
	assert.Equal(t, "PLAIN", bs[1])

	var foundSubject bool
	for _, h := range p.Headers {
		if h.Key == "subject" {
			foundSubject = true
			assert.Equal(t, "Hello", h.Value)
		}
	}
	assert.True(t, foundSubject)
	assert.Empty(t, p.Attachments)
}

const multipartMessage = "From: Alice <alice@example.com>\r\n" +
	"To: Bob <bob@example.com>\r\n" +
	"Subject: With attachment\r\n" +
	"Content-Type: multipart/mixed; boundary=\"BOUNDARY\"\r\n" +
	"\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"body text\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: application/octet-stream\r\n" +
	"Content-Disposition: attachment; filename=\"file.bin\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"aGVsbG8gd29ybGQ=\r\n" +
	"--BOUNDARY--\r\n"

func TestParseMultipartWithAttachment(t *testing.T) {
	p, err := New().Parse([]byte(multipartMessage))
	require.NoError(t, err)

	bs, ok := p.BodyStructure.([]interface{})
	require.True(t, ok)
	// multipart structure: [part1, part2, subtype, ...]
	assert.Equal(t, "MIXED", bs[2])

	require.Len(t, p.Attachments, 1)
	assert.Equal(t, "file.bin", p.Attachments[0].Filename)
	assert.Equal(t, "hello world", string(p.Attachments[0].Data))
}

func TestDecodeContentQuotedPrintable(t *testing.T) {
	msg := "Content-Type: text/plain\r\n" +
		"Content-Transfer-Encoding: quoted-printable\r\n" +
		"\r\n" +
		"caf=C3=A9\r\n"
	tree, err := parseMIME([]byte(msg))
	require.NoError(t, err)
	data := decodeContent(tree)
	assert.True(t, strings.Contains(string(data), "caf"))
}
