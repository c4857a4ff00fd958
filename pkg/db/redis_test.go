package db

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/pion/ion-jingle/pkg/bridge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisOrSkip(t *testing.T) *Redis {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	r := NewRedis(Config{Addrs: []string{addr}})
	if r == nil {
		t.Skipf("redis %s not reachable", addr)
	}
	t.Cleanup(r.Close)
	return r
}

func TestDecodeSession(t *testing.T) {
	s := decodeSession(map[string]string{
		"sid":   "s1",
		"pass":  "secret",
		"ip":    "10.0.0.5",
		"porta": "9000",
		"portb": "9001",
		"hosta": "192.168.1.2",
	})
	assert.Equal(t, &bridge.Session{
		SID:   "s1",
		Pass:  "secret",
		IP:    "10.0.0.5",
		PortA: 9000,
		PortB: 9001,
		HostA: "192.168.1.2",
	}, s)
}

func TestEncodeSession(t *testing.T) {
	sess := &bridge.Session{SID: "s1", Pass: "secret", IP: "10.0.0.5", Name: bridge.Name, PortA: 9000, PortB: 9001, HostB: "192.0.2.1"}
	fields := encodeSession(sess)
	assert.Len(t, fields, 8)

	// redis hands every field back as a string
	stored := make(map[string]string, len(fields))
	for k, v := range fields {
		stored[k] = fmt.Sprint(v)
	}
	assert.Equal(t, "9000", stored["porta"])
	assert.Equal(t, sess, decodeSession(stored))
}

func TestNewRedisNoAddrs(t *testing.T) {
	assert.Nil(t, NewRedis(Config{}))
}

func TestRelayStore(t *testing.T) {
	store := NewRelayStore(redisOrSkip(t), time.Minute)
	sess := &bridge.Session{SID: "test-relay", Pass: "secret", IP: "10.0.0.5", Name: bridge.Name, PortA: 9000, PortB: 9001}

	require.NoError(t, store.Put(sess))
	got, err := store.Get("test-relay")
	require.NoError(t, err)
	assert.Equal(t, sess, got)
	assert.Contains(t, store.SIDs(), "test-relay")

	require.NoError(t, store.Delete("test-relay"))
	_, err = store.Get("test-relay")
	assert.Equal(t, bridge.ErrSessionNotFound, err)
}
