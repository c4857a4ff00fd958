package candidate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPair(t *testing.T, passA, passB string) (*Echo, *Echo) {
	a := New("127.0.0.1", 0)
	a.Password = passA
	b := New("127.0.0.1", 0)
	b.Password = passB

	ea, err := NewEchoWithConfig(a, fakeSession{sid: "abcde", initiator: "a@x", responder: "b@x", isInit: true}, fastEcho())
	require.NoError(t, err)
	eb, err := NewEchoWithConfig(b, fakeSession{sid: "abcde", initiator: "a@x", responder: "b@x", isInit: false}, fastEcho())
	require.NoError(t, err)

	t.Cleanup(func() {
		ea.Close()
		eb.Close()
	})
	return ea, eb
}

func waitResult(e *Echo, timeout time.Duration) (ok bool, target *Candidate, got bool) {
	res := make(chan *Candidate, 1)
	e.AddResultListener(func(ok bool, target *Candidate) {
		if ok {
			select {
			case res <- target:
			default:
			}
		}
	})
	select {
	case target = <-res:
		return true, target, true
	case <-time.After(timeout):
		return false, nil, false
	}
}

func TestTokens(t *testing.T) {
	local, remote := Tokens("abcde", "alice", "bob")
	assert.Equal(t, "abc;alice", local)
	assert.Equal(t, "de;bob", remote)

	local, remote = Tokens("abcd", "alice", "bob")
	assert.Equal(t, "ab;alice", local)
	assert.Equal(t, "cd;bob", remote)
}

func TestEchoBindsFreePort(t *testing.T) {
	ea, _ := newPair(t, "pa", "pb")
	assert.NotZero(t, ea.Candidate().Port)
	assert.Equal(t, ea.Candidate().Port, ea.LocalAddr().Port)
}

func TestEchoRoundTrip(t *testing.T) {
	ea, eb := newPair(t, "pa", "pb")
	ea.Start()
	eb.Start()

	done := make(chan *Candidate, 1)
	ea.AddResultListener(func(ok bool, target *Candidate) {
		if ok {
			done <- target
		}
	})
	ea.TestAsync(eb.Candidate(), "pb")

	select {
	case target := <-done:
		assert.True(t, target.Equal(eb.Candidate()))
	case <-time.After(2 * time.Second):
		t.Fatal("no echo result")
	}
}

func TestEchoNoResponder(t *testing.T) {
	ea, eb := newPair(t, "pa", "pb")
	ea.Start()

	ea.TestAsync(eb.Candidate(), "pb")
	ok, _, _ := waitResult(ea, 400*time.Millisecond)
	assert.False(t, ok)
}

func TestEchoWrongPassword(t *testing.T) {
	ea, eb := newPair(t, "pa", "pb")
	ea.Start()
	eb.Start()

	ea.TestAsync(eb.Candidate(), "nope")
	ok, _, _ := waitResult(ea, 400*time.Millisecond)
	assert.False(t, ok)
}

func TestEchoDerivedCredentials(t *testing.T) {
	ea, eb := newPair(t, "", "")
	assert.Equal(t, "abc;a@x", ea.SendToken())
	assert.Equal(t, "de;b@x", ea.ReceiveToken())
	assert.Equal(t, ea.SendToken(), eb.Credential())
	assert.Equal(t, eb.SendToken(), ea.Credential())

	ea.Start()
	eb.Start()

	ea.TestAsync(eb.Candidate(), ea.SendToken())
	ok, target, _ := waitResult(ea, 2*time.Second)
	assert.True(t, ok)
	assert.True(t, target.Equal(eb.Candidate()))
}

func TestEchoCloseIdempotent(t *testing.T) {
	ea, _ := newPair(t, "pa", "pb")
	ea.Start()
	ea.Close()
	ea.Close()
	// probing after close is a no-op
	ea.TestAsync(New("127.0.0.1", 1), "x")
}

func TestParseEcho(t *testing.T) {
	token, ip, port, err := parseEcho("abc;alice;10.0.0.1:5000")
	require.NoError(t, err)
	assert.Equal(t, "abc;alice", token)
	assert.Equal(t, "10.0.0.1", ip)
	assert.Equal(t, 5000, port)

	_, ip, port, err = parseEcho("pw;::1:6000")
	require.NoError(t, err)
	assert.Equal(t, "::1", ip)
	assert.Equal(t, 6000, port)

	for _, bad := range []string{"", "nosep", "pw;10.0.0.1", "pw;10.0.0.1:x", "pw;:5", "pw;1.1.1.1:70000"} {
		_, _, _, err := parseEcho(bad)
		assert.Error(t, err, bad)
	}
}
