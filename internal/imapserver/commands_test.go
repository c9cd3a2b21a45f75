package imapserver

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilityListsCoreExtensions(t *testing.T) {
	r := newTestRig(t)
	r.send(t, "a0 CAPABILITY")
	lines := r.readUntilTagged(t, "a0")
	assert.True(t, strings.HasPrefix(lines[0], "* CAPABILITY"))
	assert.Contains(t, lines[0], "IMAP4rev1")
	assert.Contains(t, lines[0], "UIDPLUS")
	assert.Contains(t, lines[0], "CONDSTORE")
	assert.Contains(t, lines[len(lines)-1], "a0 OK")
}

func TestLoginRejectsUnknownUser(t *testing.T) {
	r := newTestRig(t)
	r.send(t, `a0 LOGIN "nobody" "password"`)
	lines := r.readUntilTagged(t, "a0")
	assert.Contains(t, lines[len(lines)-1], "NO")
	assert.Contains(t, lines[len(lines)-1], CodeAuthenticationFailed)
}

func TestLoginAcceptsCorrectPassword(t *testing.T) {
	r := newTestRig(t)
	seedUser(t, r.gw, "alice")
	r.send(t, `a0 LOGIN "alice" "password"`)
	lines := r.readUntilTagged(t, "a0")
	assert.Contains(t, lines[len(lines)-1], "OK")
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	r := newTestRig(t)
	seedUser(t, r.gw, "alice")
	r.send(t, `a0 LOGIN "alice" "wrong"`)
	lines := r.readUntilTagged(t, "a0")
	assert.Contains(t, lines[len(lines)-1], "NO")
}

func TestLogoutEndsSession(t *testing.T) {
	r := newTestRig(t)
	r.send(t, "a0 LOGOUT")
	lines := r.readUntilTagged(t, "a0")
	assert.Contains(t, lines[0], "BYE")
	assert.Contains(t, lines[len(lines)-1], "a0 OK")
}

func TestNamespaceRequiresAuthentication(t *testing.T) {
	r := newTestRig(t)
	r.send(t, "a0 NAMESPACE")
	lines := r.readUntilTagged(t, "a0")
	assert.Contains(t, lines[len(lines)-1], "NO")
}

func TestNamespaceAnswersSinglePersonalNamespace(t *testing.T) {
	r := newTestRig(t)
	seedUser(t, r.gw, "alice")
	r.loginAs(t, "alice")
	r.send(t, "a1 NAMESPACE")
	lines := r.readUntilTagged(t, "a1")
	assert.Contains(t, lines[0], `NAMESPACE (("" "/")) NIL NIL`)
}
