package search

import (
	"mime"
	"strings"
)

// normalizeHeaderValue puts a header value in a deterministic comparable
// form for SEARCH HEADER matching: both the stored header value and the
// search literal are passed through RFC 2047 decoding, then lower-cased
// with strings.ToLower, before the substring match.
func normalizeHeaderValue(s string) string {
	dec := new(mime.WordDecoder)
	if decoded, err := dec.DecodeHeader(s); err == nil {
		s = decoded
	}
	return strings.ToLower(s)
}
