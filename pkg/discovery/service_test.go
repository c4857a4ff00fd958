package discovery

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasIdentity(t *testing.T) {
	s := NewStatic(
		Identity{Domain: "example.org", Category: "proxy", Type: "rtpbridge", Name: "rtpbridge-1"},
		Identity{Domain: "other.org", Name: "rtpbridge"},
	)
	ctx := context.Background()

	assert.True(t, HasIdentity(ctx, s, "example.org", "rtpbridge"))
	assert.False(t, HasIdentity(ctx, s, "example.org", "stun"))
	assert.False(t, HasIdentity(ctx, s, "nowhere.org", "rtpbridge"))
	assert.False(t, HasIdentity(ctx, nil, "example.org", "rtpbridge"))

	s.Add(Identity{Domain: "example.org", Name: "stun"})
	assert.True(t, HasIdentity(ctx, s, "example.org", "stun"))
}

type failing struct{}

func (failing) Identities(context.Context, string) ([]Identity, error) {
	return nil, errors.New("etcd down")
}

func TestHasIdentityError(t *testing.T) {
	assert.False(t, HasIdentity(context.Background(), failing{}, "example.org", "rtpbridge"))
}

func TestLatencyScore(t *testing.T) {
	assert.Equal(t, 100.0, latencyScore(0, nil))
	assert.Equal(t, 50.0, latencyScore(150*time.Millisecond, nil))
	assert.Equal(t, 25.0, latencyScore(500*time.Millisecond, nil))
	assert.Equal(t, 0.0, latencyScore(2*time.Second, nil))
	assert.Equal(t, 0.0, latencyScore(0, errors.New("timeout")))
}

func TestWeigh(t *testing.T) {
	assert.Equal(t, 100, weigh(100, 100, 100))
	assert.Equal(t, 0, weigh(5, 100, 100))
	assert.Equal(t, 60, weigh(50, 100, 50))
}

func TestScore(t *testing.T) {
	s := Score(func() (time.Duration, error) { return 0, nil })
	assert.True(t, s >= 0 && s <= 100)
	assert.Equal(t, 0, Score(func() (time.Duration, error) { return 0, errors.New("down") }))
}

func TestIdentityKey(t *testing.T) {
	id := Identity{Domain: "example.org", NID: "rtpbridge-1"}
	assert.Equal(t, "/example.org/identity/rtpbridge-1", id.Key())
	s := &Service{node: id}
	assert.Equal(t, id.Key(), s.Node().Key())
}

func TestEtcdIdentities(t *testing.T) {
	addr := os.Getenv("ETCD_ADDR")
	if addr == "" {
		t.Skip("ETCD_ADDR not set")
	}

	s, err := NewService(Identity{Domain: "test.org", Category: "proxy", Type: "rtpbridge", Name: "rtpbridge"}, []string{addr})
	require.NoError(t, err)
	defer s.Close()

	up := make(chan struct{}, 1)
	s.Watch("test.org", func(state NodeState, key string, id *Identity) {
		if state == NodeStateUp && key == s.Node().Key() {
			select {
			case up <- struct{}{}:
			default:
			}
		}
	})
	s.KeepAlive()

	select {
	case <-up:
	case <-time.After(5 * time.Second):
		t.Fatal("node never registered")
	}
	assert.True(t, HasIdentity(context.Background(), s, "test.org", "rtpbridge"))
}
