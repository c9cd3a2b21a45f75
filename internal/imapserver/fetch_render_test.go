package imapserver

import (
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"github.com/stretchr/testify/assert"

	"github.com/melvynkim/wildduck/internal/model"
)

func TestQuoteIMAPStringEscapes(t *testing.T) {
	assert.Equal(t, `"a\\b\"c"`, quoteIMAPString(`a\b"c`))
}

func TestRenderIMAPValueHandlesNativeSlice(t *testing.T) {
	v := []interface{}{"hi", nil, int64(5)}
	assert.Equal(t, `("hi" NIL 5)`, renderIMAPValue(v))
}

func TestRenderIMAPValueHandlesPrimitiveA(t *testing.T) {
	v := primitive.A{"x", int32(2)}
	assert.Equal(t, `("x" 2)`, renderIMAPValue(v))
}

func TestRenderIMAPValueNestedLists(t *testing.T) {
	v := []interface{}{"a", []interface{}{"b", "c"}}
	assert.Equal(t, `("a" ("b" "c"))`, renderIMAPValue(v))
}

func TestExpandFetchMacroFast(t *testing.T) {
	items := expandFetchMacro([]string{"FAST"})
	assert.Equal(t, []string{"FLAGS", "INTERNALDATE", "RFC822.SIZE"}, items)
}

func TestExpandFetchMacroPassesThroughUnknown(t *testing.T) {
	items := expandFetchMacro([]string{"UID", "FLAGS"})
	assert.Equal(t, []string{"UID", "FLAGS"}, items)
}

func TestRenderFetchItemUID(t *testing.T) {
	m := &model.Message{UID: 42}
	rendered, marksSeen := renderFetchItem(m, "UID")
	assert.Equal(t, "UID 42", rendered)
	assert.False(t, marksSeen)
}

func TestRenderFetchItemFlags(t *testing.T) {
	m := &model.Message{Flags: []string{model.FlagSeen, "work"}}
	rendered, _ := renderFetchItem(m, "FLAGS")
	assert.Equal(t, `FLAGS (\Seen work)`, rendered)
}

func TestRenderFetchItemRFC822MarksSeen(t *testing.T) {
	m := &model.Message{Raw: []byte("hello")}
	rendered, marksSeen := renderFetchItem(m, "RFC822")
	assert.Contains(t, rendered, "RFC822 {5}")
	assert.True(t, marksSeen)
}

func TestRenderFetchItemBodyPeekDoesNotMarkSeen(t *testing.T) {
	m := &model.Message{Headers: []model.HeaderField{{Key: "subject", Value: "hi"}}}
	_, marksSeen := renderFetchItem(m, "BODY.PEEK[]")
	assert.False(t, marksSeen)
}

func TestRenderFetchItemBodySectionMarksSeen(t *testing.T) {
	m := &model.Message{Headers: []model.HeaderField{{Key: "subject", Value: "hi"}}}
	_, marksSeen := renderFetchItem(m, "BODY[]")
	assert.True(t, marksSeen)
}

func TestRenderFetchItemInternalDate(t *testing.T) {
	ts := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	m := &model.Message{InternalDate: ts}
	rendered, _ := renderFetchItem(m, "INTERNALDATE")
	assert.Contains(t, rendered, "05-Mar-2024")
}

func TestRenderFetchItemUnsupportedReturnsEmpty(t *testing.T) {
	m := &model.Message{}
	rendered, marksSeen := renderFetchItem(m, "NOTREAL")
	assert.Equal(t, "", rendered)
	assert.False(t, marksSeen)
}
