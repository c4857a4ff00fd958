package bridge

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/ion-jingle/pkg/log"
	"github.com/pion/ion-jingle/pkg/proto"
	"github.com/pion/ion-jingle/pkg/reflector"
	"github.com/pion/ion-jingle/pkg/util"
	"github.com/pkg/errors"
)

const defaultIdleTimeout = time.Minute

var errUnknownAction = errors.New("unknown relay action")

// ServerConfig configures a relay.
type ServerConfig struct {
	// IP is the address legs are bound to and advertised on.
	IP          string
	PortMin     int
	PortMax     int
	IdleTimeout time.Duration
	// STUNPort runs a reflector on IP when positive.
	STUNPort int
}

// Server allocates relay sessions on request and splices their legs.
type Server struct {
	cfg       ServerConfig
	store     SessionStore
	reflector *reflector.Server

	mu      sync.Mutex
	splices map[string]*splice
	subs    []proto.Subscription

	stop util.AtomicBool
	done chan struct{}
	wg   sync.WaitGroup
}

// NewServer starts the reflector and the idle janitor. A nil store keeps
// sessions in memory.
func NewServer(cfg ServerConfig, store SessionStore) (*Server, error) {
	if cfg.IP == "" {
		if ip := util.PickHostAddress(util.LocalIPs()); ip != nil {
			cfg.IP = ip.String()
		} else {
			cfg.IP = util.DefaultHostAddress().String()
		}
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if store == nil {
		store = NewMemoryStore()
	}

	s := &Server{
		cfg:     cfg,
		store:   store,
		splices: make(map[string]*splice),
		done:    make(chan struct{}),
	}
	if cfg.STUNPort > 0 {
		r, err := reflector.Listen(net.JoinHostPort(cfg.IP, strconv.Itoa(cfg.STUNPort)))
		if err != nil {
			return nil, errors.Wrap(err, "stun reflector")
		}
		s.reflector = r
	}

	s.wg.Add(1)
	go s.janitor()
	return s, nil
}

// Serve answers requests for domain on rpc.
func (s *Server) Serve(rpc proto.RPC, domain string) error {
	sub, err := rpc.Subscribe(Subject(domain), s.handle)
	if err != nil {
		return errors.Wrapf(err, "subscribe %s", Subject(domain))
	}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	log.Infof("relay serving %s on %s", Subject(domain), s.cfg.IP)
	return nil
}

// Close stops serving and releases every leg.
func (s *Server) Close() {
	if !s.stop.SetTrue() {
		return
	}
	close(s.done)
	s.wg.Wait()

	s.mu.Lock()
	subs := s.subs
	splices := s.splices
	s.subs = nil
	s.splices = make(map[string]*splice)
	s.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Debugf("unsubscribe: %v", err)
		}
	}
	for sid, sp := range splices {
		sp.close()
		if err := s.store.Delete(sid); err != nil {
			log.Debugf("delete session %s: %v", sid, err)
		}
	}
	if s.reflector != nil {
		s.reflector.Close()
	}
}

// IP is the address legs are advertised on.
func (s *Server) IP() string {
	return s.cfg.IP
}

// Sessions is the number of live relay sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.splices)
}

func (s *Server) handle(msg interface{}) (interface{}, error) {
	req, ok := msg.(*Request)
	if !ok {
		return nil, fmt.Errorf("%w: %T", errUnknownAction, msg)
	}
	log.Debugf("relay request %s sid=%s", req.Action, req.SID)

	switch req.Action {
	case ActionCreate:
		sess, err := s.create(req.SID)
		if err != nil {
			return nil, err
		}
		return &Response{Session: sess}, nil
	case ActionChange:
		sess, err := s.change(req)
		if err != nil {
			return nil, err
		}
		return &Response{Session: sess}, nil
	case ActionPublicIP:
		resp := &Response{IP: s.cfg.IP}
		if s.reflector != nil {
			resp.STUN = net.JoinHostPort(s.cfg.IP, strconv.Itoa(s.reflector.Addr().Port))
		}
		return resp, nil
	}
	return nil, fmt.Errorf("%w: %q", errUnknownAction, req.Action)
}

func (s *Server) create(sid string) (*Session, error) {
	if s.stop.Get() {
		return nil, errors.New("relay closed")
	}
	if sid == "" {
		sid = uuid.New().String()
	}

	s.mu.Lock()
	old := s.splices[sid]
	delete(s.splices, sid)
	s.mu.Unlock()
	if old != nil {
		old.close()
	}

	sp, err := newSplice(sid, s.cfg.IP, s.cfg.PortMin, s.cfg.PortMax)
	if err != nil {
		return nil, err
	}
	sess := &Session{
		SID:   sid,
		Pass:  util.RandomPassword(),
		IP:    s.cfg.IP,
		Name:  Name,
		PortA: sp.portA(),
		PortB: sp.portB(),
	}
	if err := s.store.Put(sess); err != nil {
		sp.close()
		return nil, errors.Wrapf(err, "store session %s", sid)
	}

	s.mu.Lock()
	s.splices[sid] = sp
	s.mu.Unlock()
	log.Infof("created %s", sess)
	return sess, nil
}

func (s *Server) change(req *Request) (*Session, error) {
	sess, err := s.store.Get(req.SID)
	if err != nil {
		return nil, errors.Wrapf(err, "change %s", req.SID)
	}
	if req.Pass != sess.Pass {
		return nil, errors.Errorf("change %s: wrong password", req.SID)
	}

	s.mu.Lock()
	sp := s.splices[req.SID]
	s.mu.Unlock()
	if sp == nil {
		return nil, errors.Wrapf(ErrSessionNotFound, "change %s", req.SID)
	}

	sess.HostA, sess.HostB = req.HostA, req.HostB
	sp.prime(req.HostA, req.PortA, req.HostB, req.PortB)
	sp.touch()
	if err := s.store.Put(sess); err != nil {
		return nil, errors.Wrapf(err, "store session %s", req.SID)
	}
	log.Infof("relaying %s: %s:%d <-> %s:%d", req.SID, req.HostA, req.PortA, req.HostB, req.PortB)
	return sess, nil
}

func (s *Server) janitor() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.expire()
		}
	}
}

func (s *Server) expire() {
	var idle []*splice
	s.mu.Lock()
	for sid, sp := range s.splices {
		if sp.idleFor() > s.cfg.IdleTimeout {
			idle = append(idle, sp)
			delete(s.splices, sid)
		}
	}
	s.mu.Unlock()

	for _, sp := range idle {
		log.Infof("relay %s idle, closing", sp.sid)
		sp.close()
		if err := s.store.Delete(sp.sid); err != nil {
			log.Debugf("delete session %s: %v", sp.sid, err)
		}
	}
}
