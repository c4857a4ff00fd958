package jingle

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/ion-jingle/pkg/candidate"
	"github.com/pion/ion-jingle/pkg/log"
)

var errSessionClosed = errors.New("session closed")

// Session is the part of the enclosing jingle session a transport
// negotiator talks to.
type Session interface {
	candidate.SessionInfo
	// Send delivers msg to the remote endpoint.
	Send(msg *Message) error
	// Terminate ends the whole session with reason.
	Terminate(reason string) error
}

// NewID returns a fresh message id.
func NewID() string {
	return uuid.New().String()
}

// Handler receives the messages arriving on a LocalSession.
type Handler func(msg *Message)

// LocalSession is one end of an in-process session. Messages are encoded
// and decoded on the way, and delivered in order on a single goroutine.
type LocalSession struct {
	sid       string
	initiator string
	responder string
	self      string
	peer      *LocalSession

	mu         sync.Mutex
	handler    Handler
	terminated string
	closed     bool
	queue      chan []byte
	done       chan struct{}
	wg         sync.WaitGroup
}

// NewLocalPair returns the initiator and responder ends of a session.
func NewLocalPair(sid, initiator, responder string) (*LocalSession, *LocalSession) {
	a := newLocalSession(sid, initiator, responder, initiator)
	b := newLocalSession(sid, initiator, responder, responder)
	a.peer, b.peer = b, a
	return a, b
}

func newLocalSession(sid, initiator, responder, self string) *LocalSession {
	s := &LocalSession{
		sid:       sid,
		initiator: initiator,
		responder: responder,
		self:      self,
		queue:     make(chan []byte, 64),
		done:      make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

func (s *LocalSession) SID() string       { return s.sid }
func (s *LocalSession) Initiator() string { return s.initiator }
func (s *LocalSession) Responder() string { return s.responder }
func (s *LocalSession) IsInitiator() bool { return s.self == s.initiator }

// OnMessage sets the handler of incoming messages.
func (s *LocalSession) OnMessage(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *LocalSession) Send(msg *Message) error {
	if msg.ID == "" {
		msg.ID = NewID()
	}
	msg.SID = s.sid
	msg.From = s.self
	msg.To = s.peer.self
	data, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	return s.peer.enqueue(data)
}

func (s *LocalSession) enqueue(data []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errSessionClosed
	}
	select {
	case s.queue <- data:
		return nil
	case <-s.done:
		return errSessionClosed
	}
}

// Terminate records reason on both ends.
func (s *LocalSession) Terminate(reason string) error {
	log.Infof("session %s terminated by %s: %s", s.sid, s.self, reason)
	s.setTerminated(reason)
	s.peer.setTerminated(reason)
	return nil
}

func (s *LocalSession) setTerminated(reason string) {
	s.mu.Lock()
	if s.terminated == "" {
		s.terminated = reason
	}
	s.mu.Unlock()
}

// Terminated returns the termination reason, "" while the session is up.
func (s *LocalSession) Terminated() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// Close stops delivery. Messages still queued are dropped.
func (s *LocalSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *LocalSession) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case data := <-s.queue:
			msg := &Message{}
			if err := msg.UnmarshalBinary(data); err != nil {
				log.Warnf("session %s: bad message: %v", s.sid, err)
				continue
			}
			s.mu.Lock()
			h := s.handler
			s.mu.Unlock()
			if h != nil {
				h(msg)
			}
		}
	}
}
