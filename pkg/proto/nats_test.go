package proto

import (
	"encoding/gob"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type joinReq struct {
	ID   int
	Name string
}

type joinResp struct {
	MID string
}

func init() {
	gob.Register(&joinReq{})
	gob.Register(&joinResp{})
}

func natsOrSkip(t *testing.T) *NatsRPC {
	n, err := NewNatsRPC(nats.DefaultURL)
	if err != nil {
		t.Skipf("nats server not available: %v", err)
	}
	return n
}

func testRPC(t *testing.T, r RPC) {
	reqMsg := &joinReq{ID: 1234, Name: "tommy"}
	respMsg := &joinResp{MID: "mid-1234"}

	sub, err := r.Subscribe("rpc-struct", func(msg interface{}) (interface{}, error) {
		assert.Equal(t, reqMsg, msg)
		return respMsg, nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	resp, err := r.Request("rpc-struct", reqMsg, time.Second)
	assert.NoError(t, err)
	assert.Equal(t, respMsg, resp)

	errSub, err := r.Subscribe("rpc-error", func(msg interface{}) (interface{}, error) {
		return nil, errors.New("join faild")
	})
	require.NoError(t, err)
	defer errSub.Unsubscribe()

	resp, err = r.Request("rpc-error", "tommy", time.Second)
	assert.Nil(t, resp)
	if assert.Error(t, err) {
		assert.Equal(t, "join faild", err.Error())
	}
}

func TestNatsRPC(t *testing.T) {
	n := natsOrSkip(t)
	defer n.Close()
	testRPC(t, n)
}

func TestLocalRPC(t *testing.T) {
	testRPC(t, NewLocalRPC())
}

func TestLocalRPCTimeout(t *testing.T) {
	l := NewLocalRPC()
	_, err := l.Subscribe("slow", func(msg interface{}) (interface{}, error) {
		time.Sleep(200 * time.Millisecond)
		return "late", nil
	})
	require.NoError(t, err)

	_, err = l.Request("slow", "x", 20*time.Millisecond)
	assert.Equal(t, nats.ErrTimeout, err)
}

func TestLocalRPCDisconnected(t *testing.T) {
	l := NewLocalRPC()
	l.SetConnected(false)
	_, err := l.Request("any", "x", time.Second)
	assert.Equal(t, ErrNotConnected, err)

	l.SetConnected(true)
	_, err = l.Request("nobody", "x", time.Second)
	assert.Error(t, err)
}

func TestMarshalRoundTrip(t *testing.T) {
	data, err := Marshal(&rpcmsg{Data: &joinReq{ID: 7, Name: "n"}})
	require.NoError(t, err)

	var got rpcmsg
	require.NoError(t, Unmarshal(data, &got))
	assert.Equal(t, &joinReq{ID: 7, Name: "n"}, got.Data)
}
