package proto

import (
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

var errNoResponders = errors.New("no responders for subject")

// LocalRPC is an in-process RPC bus. Payloads go through the same gob
// encoding as NatsRPC so handlers see identical values.
type LocalRPC struct {
	mu        sync.RWMutex
	handlers  map[string]map[int]MsgHandler
	nextID    int
	connected bool
}

func NewLocalRPC() *LocalRPC {
	return &LocalRPC{
		handlers:  make(map[string]map[int]MsgHandler),
		connected: true,
	}
}

func (l *LocalRPC) IsConnected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connected
}

// SetConnected simulates a connection drop.
func (l *LocalRPC) SetConnected(connected bool) {
	l.mu.Lock()
	l.connected = connected
	l.mu.Unlock()
}

type localSub struct {
	l    *LocalRPC
	subj string
	id   int
}

func (s *localSub) Unsubscribe() error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	delete(s.l.handlers[s.subj], s.id)
	return nil
}

func (l *LocalRPC) Subscribe(subj string, handle MsgHandler) (Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handlers[subj] == nil {
		l.handlers[subj] = make(map[int]MsgHandler)
	}
	id := l.nextID
	l.nextID++
	l.handlers[subj][id] = handle
	return &localSub{l: l, subj: subj, id: id}, nil
}

// Request delivers data to one handler of subj and waits up to timeout for
// its reply.
func (l *LocalRPC) Request(subj string, data interface{}, timeout time.Duration) (interface{}, error) {
	if !l.IsConnected() {
		return nil, ErrNotConnected
	}

	l.mu.RLock()
	var handle MsgHandler
	for _, h := range l.handlers[subj] {
		handle = h
		break
	}
	l.mu.RUnlock()
	if handle == nil {
		return nil, errNoResponders
	}

	req, err := Marshal(&rpcmsg{Data: data})
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = nats.DefaultTimeout
	}

	type reply struct {
		data []byte
		err  error
	}
	ch := make(chan reply, 1)
	go func() {
		d, err := dispatch(req, handle)
		ch <- reply{d, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return decodeReply(r.data)
	case <-time.After(timeout):
		return nil, nats.ErrTimeout
	}
}
