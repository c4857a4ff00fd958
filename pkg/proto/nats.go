package proto

import (
	"bytes"
	"encoding/gob"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pion/ion-jingle/pkg/log"
)

var (
	// ErrNotConnected is returned when a request is made on a closed
	// or disconnected transport.
	ErrNotConnected = errors.New("rpc transport not connected")
)

// rpcmsg is a structure used by Subscribe and Publish.
type rpcmsg struct {
	Data interface{}
}

// RPCError represents a error string for rpc
type RPCError struct {
	Err string
}

// newError create a RPCError instanse
func newError(err string) *RPCError {
	return &RPCError{err}
}

// MsgHandler is a callback function that processes messages delivered to
// asynchronous subscribers.
type MsgHandler func(msg interface{}) (interface{}, error)

// Subscription is returned by Subscribe.
type Subscription interface {
	Unsubscribe() error
}

// RPC is the request/reply transport the relay client and server use.
type RPC interface {
	Request(subj string, data interface{}, timeout time.Duration) (interface{}, error)
	Subscribe(subj string, handle MsgHandler) (Subscription, error)
	IsConnected() bool
}

// NatsRPC represents a rpc base nats
type NatsRPC struct {
	nc *nats.Conn
}

// NewNatsRPC create a instanse and connect to nats server.
func NewNatsRPC(urls string) (*NatsRPC, error) {
	r := &NatsRPC{}
	err := r.Connect(urls)
	return r, err
}

// Connect to nats server.
func (r *NatsRPC) Connect(url string) error {
	opts := []nats.Option{nats.Name("nats jingle relay")}
	opts = setupConnOptions(opts)

	var err error
	if r.nc, err = nats.Connect(url, opts...); err != nil {
		return err
	}
	return nil
}

// Close the connection to the server.
func (r *NatsRPC) Close() {
	if r.nc != nil {
		r.nc.Close()
	}
}

func (r *NatsRPC) IsConnected() bool {
	return r.nc != nil && r.nc.IsConnected()
}

func setupConnOptions(opts []nats.Option) []nats.Option {
	totalWait := 10 * time.Minute
	reconnectDelay := time.Second

	opts = append(opts, nats.ReconnectWait(reconnectDelay))
	opts = append(opts, nats.MaxReconnects(int(totalWait/reconnectDelay)))
	opts = append(opts, nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
		if !nc.IsClosed() {
			log.Infof("Disconnected due to: %s, will attempt reconnects for %.0fm", err, totalWait.Minutes())
		}
	}))
	opts = append(opts, nats.ReconnectHandler(func(nc *nats.Conn) {
		log.Infof("Reconnected [%s]", nc.ConnectedUrl())
	}))
	opts = append(opts, nats.ClosedHandler(func(nc *nats.Conn) {
		log.Debugf("nats connection closed")
	}))
	return opts
}

// Subscribe will express interest in the given subject.
// Messages will be delivered to the associated MsgHandler.
func (r *NatsRPC) Subscribe(subj string, handle MsgHandler) (Subscription, error) {
	return r.QueueSubscribe(subj, "", handle)
}

// QueueSubscribe creates an asynchronous queue subscriber on the given subject.
// All relays subscribed with the same queue name share the requests.
func (r *NatsRPC) QueueSubscribe(subj, queue string, handle MsgHandler) (Subscription, error) {
	if r.nc == nil {
		return nil, ErrNotConnected
	}
	sub, err := r.nc.QueueSubscribe(subj, queue, func(msg *nats.Msg) {
		if msg.Reply == "" {
			if _, err := dispatch(msg.Data, handle); err != nil {
				log.Errorf("handle %s: %v", subj, err)
			}
			return
		}
		data, err := dispatch(msg.Data, handle)
		if err != nil {
			log.Errorf("handle %s: %v", subj, err)
			return
		}
		if err := msg.Respond(data); err != nil {
			log.Errorf("respond error: %v", err)
		}
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Request will send a request payload and deliver the response message,
// or an error, including a timeout if no message was received properly.
func (r *NatsRPC) Request(subj string, data interface{}, timeout time.Duration) (interface{}, error) {
	if !r.IsConnected() {
		return nil, ErrNotConnected
	}
	d, err := Marshal(&rpcmsg{Data: data})
	if err != nil {
		return nil, err
	}

	if timeout <= 0 {
		timeout = nats.DefaultTimeout
	}
	resp, err := r.nc.Request(subj, d, timeout)
	if err != nil {
		return nil, err
	}
	return decodeReply(resp.Data)
}

// Publish publishes the data argument to the given subject. The data
// argument is left untouched and needs to be correctly interpreted on
// the receiver.
func (r *NatsRPC) Publish(subj string, data interface{}) error {
	if !r.IsConnected() {
		return ErrNotConnected
	}
	d, err := Marshal(&rpcmsg{
		Data: data,
	})
	if err != nil {
		return err
	}
	return r.nc.Publish(subj, d)
}

// dispatch decodes a request, runs handle and encodes its reply.
func dispatch(data []byte, handle MsgHandler) ([]byte, error) {
	var got rpcmsg
	if err := Unmarshal(data, &got); err != nil {
		return nil, err
	}

	result, err := handle(got.Data)
	if err != nil {
		result = newError(err.Error())
	}
	return Marshal(&rpcmsg{Data: result})
}

func decodeReply(data []byte) (interface{}, error) {
	var result rpcmsg
	if err := Unmarshal(data, &result); err != nil {
		return nil, err
	}

	var err error
	if v, ok := result.Data.(*RPCError); ok {
		err = errors.New(v.Err)
		result.Data = nil
	}
	return result.Data, err
}

func init() {
	gob.Register(&RPCError{})
}

// Unmarshal parses the encoded data and stores the result
// in the value pointed to by v
func Unmarshal(data []byte, v interface{}) error {
	dec := gob.NewDecoder(bytes.NewBuffer(data))
	return dec.Decode(v)
}

// Marshal encodes v and returns encoded data
func Marshal(v interface{}) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := gob.NewEncoder(buf)
	err := enc.Encode(v)
	if err != nil {
		return []byte{}, err
	}
	return buf.Bytes(), nil
}
