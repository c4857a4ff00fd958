package candidate

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/ion-jingle/pkg/log"
)

var errMalformedEcho = errors.New("malformed echo datagram")

// SessionInfo identifies the session a prober belongs to.
type SessionInfo interface {
	SID() string
	Initiator() string
	Responder() string
	// IsInitiator reports whether the local user started the session.
	IsInitiator() bool
}

// EchoConfig holds the prober timings.
type EchoConfig struct {
	BufferSize    int
	ReplyTries    int
	ReplyDelay    time.Duration
	ProbeTries    int
	ProbeInterval time.Duration
	// Grace is how long a probe keeps listening after its last send.
	Grace time.Duration
	// CheckRounds and CheckInterval bound how long Check waits for a probe.
	CheckRounds   int
	CheckInterval time.Duration
}

// DefaultEchoConfig returns the timings used on the wire by default.
func DefaultEchoConfig() EchoConfig {
	return EchoConfig{
		BufferSize:    150,
		ReplyTries:    2,
		ReplyDelay:    50 * time.Millisecond,
		ProbeTries:    10,
		ProbeInterval: 200 * time.Millisecond,
		Grace:         2 * time.Second,
		CheckRounds:   10,
		CheckInterval: 400 * time.Millisecond,
	}
}

// ResultListener receives the outcome of TestAsync for target.
type ResultListener func(ok bool, target *Candidate)

type datagramListener func(token, ip string, port int) bool

// Echo answers echo probes for one candidate and probes remote candidates
// from the same socket.
type Echo struct {
	cand *Candidate
	conn *net.UDPConn
	cfg  EchoConfig

	sendToken    string
	receiveToken string

	mu        sync.Mutex
	datagrams map[int]datagramListener
	results   map[int]ResultListener
	nextID    int
	closed    bool
	started   bool
	done      chan struct{}
	wg        sync.WaitGroup
}

// Tokens derives the two probe tokens of a session. The session id is split
// at ceil(len/2); the first half goes with the initiator, the second with
// the responder.
func Tokens(sid, initiator, responder string) (local, remote string) {
	k := (len(sid) + 1) / 2
	return sid[:k] + ";" + initiator, sid[k:] + ";" + responder
}

// NewEcho binds a prober for c with the default timings.
func NewEcho(c *Candidate, session SessionInfo) (*Echo, error) {
	return NewEchoWithConfig(c, session, DefaultEchoConfig())
}

// NewEchoWithConfig binds a UDP socket on c.BindIP():c.Port and attaches the
// prober to c. A zero port is replaced by the port the socket got.
func NewEchoWithConfig(c *Candidate, session SessionInfo, cfg EchoConfig) (*Echo, error) {
	ip := net.ParseIP(c.BindIP())
	if ip == nil {
		addrs, err := net.LookupIP(c.BindIP())
		if err != nil || len(addrs) == 0 {
			return nil, fmt.Errorf("echo bind %s: %w", c.BindIP(), err)
		}
		ip = addrs[0]
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: c.Port})
	if err != nil {
		return nil, fmt.Errorf("echo bind %s:%d: %w", c.BindIP(), c.Port, err)
	}
	if c.Port == 0 {
		c.Port = conn.LocalAddr().(*net.UDPAddr).Port
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultEchoConfig().BufferSize
	}

	e := &Echo{
		cand:      c,
		conn:      conn,
		cfg:       cfg,
		datagrams: make(map[int]datagramListener),
		results:   make(map[int]ResultListener),
		done:      make(chan struct{}),
	}
	if session != nil {
		local, remote := Tokens(session.SID(), session.Initiator(), session.Responder())
		if session.IsInitiator() {
			e.sendToken, e.receiveToken = local, remote
		} else {
			e.sendToken, e.receiveToken = remote, local
		}
	}
	c.setEcho(e)
	return e, nil
}

// Candidate returns the candidate the prober answers for.
func (e *Echo) Candidate() *Candidate {
	return e.cand
}

func (e *Echo) Config() EchoConfig {
	return e.cfg
}

// LocalAddr is the address the socket is bound to.
func (e *Echo) LocalAddr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

func (e *Echo) SendToken() string {
	return e.sendToken
}

func (e *Echo) ReceiveToken() string {
	return e.receiveToken
}

// Credential is the token this prober answers to: the candidate password,
// or the derived receive token when the candidate has none.
func (e *Echo) Credential() string {
	if e.cand.Password != "" {
		return e.cand.Password
	}
	return e.receiveToken
}

// Start runs the responder loop. Calling it twice has no effect.
func (e *Echo) Start() {
	e.mu.Lock()
	if e.started || e.closed {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.wg.Add(1)
	e.mu.Unlock()

	go e.serve()
}

// Close stops the responder loop and any running probe.
func (e *Echo) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.done)
	e.mu.Unlock()

	e.conn.Close()
	e.wg.Wait()
}

func (e *Echo) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Echo) serve() {
	defer e.wg.Done()

	log.Debugf("listening for echo on %s", e.conn.LocalAddr())
	buf := make([]byte, e.cfg.BufferSize)
	for {
		n, from, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if !e.isClosed() {
				log.Warnf("echo %s read failed: %v", e.cand.Addr(), err)
			}
			return
		}

		token, ip, port, err := parseEcho(string(buf[:n]))
		if err != nil {
			log.Debugf("echo %s from %s: %v", e.cand.Addr(), from, err)
			continue
		}

		if e.offer(token, ip, port) {
			continue
		}
		if token == e.Credential() {
			e.reply(ip, port)
		}
	}
}

// offer hands a datagram to the probe listeners. It reports whether one of
// them claimed it.
func (e *Echo) offer(token, ip string, port int) bool {
	e.mu.Lock()
	ids := make([]int, 0, len(e.datagrams))
	for id := range e.datagrams {
		ids = append(ids, id)
	}
	listeners := make([]datagramListener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, e.datagrams[id])
	}
	e.mu.Unlock()

	for _, l := range listeners {
		if l(token, ip, port) {
			return true
		}
	}
	return false
}

func (e *Echo) reply(ip string, port int) {
	to, err := resolveUDP(ip, port)
	if err != nil {
		log.Debugf("echo %s reply: %v", e.cand.Addr(), err)
		return
	}

	payload := []byte(formatEcho(e.Credential(), e.cand.IP, e.cand.Port))
	for i := 0; i < e.cfg.ReplyTries; i++ {
		if _, err := e.conn.WriteToUDP(payload, to); err != nil {
			log.Debugf("echo %s reply to %s: %v", e.cand.Addr(), to, err)
			return
		}
		select {
		case <-e.done:
			return
		case <-time.After(e.cfg.ReplyDelay):
		}
	}
}

// AddResultListener registers l and returns a function removing it.
func (e *Echo) AddResultListener(l ResultListener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.results[id] = l
	return func() {
		e.mu.Lock()
		delete(e.results, id)
		e.mu.Unlock()
	}
}

func (e *Echo) addDatagramListener(l datagramListener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.datagrams[id] = l
	return func() {
		e.mu.Lock()
		delete(e.datagrams, id)
		e.mu.Unlock()
	}
}

func (e *Echo) fireResult(ok bool, target *Candidate) {
	e.mu.Lock()
	listeners := make([]ResultListener, 0, len(e.results))
	for _, l := range e.results {
		listeners = append(listeners, l)
	}
	e.mu.Unlock()

	for _, l := range listeners {
		l(ok, target)
	}
}

// TestAsync probes target in the background. password is the token target
// answers to. A positive answer is delivered to the result listeners.
func (e *Echo) TestAsync(target *Candidate, password string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go e.probe(target, password)
}

func (e *Echo) probe(target *Candidate, password string) {
	defer e.wg.Done()

	succeeded := make(chan struct{})
	var once sync.Once
	remove := e.addDatagramListener(func(token, ip string, port int) bool {
		if token != password || !sameHost(ip, target.IP) || port != target.Port {
			log.Debugf("echo %s wrong data from %s:%d", e.cand.Addr(), ip, port)
			return false
		}
		once.Do(func() {
			log.Debugf("echo ok %s <-> %s", e.cand.Addr(), target.Addr())
			close(succeeded)
			e.fireResult(true, target)
		})
		return true
	})
	defer remove()

	to, err := resolveUDP(target.IP, target.Port)
	if err != nil {
		log.Debugf("echo %s probe: %v", e.cand.Addr(), err)
		return
	}
	payload := []byte(formatEcho(password, e.cand.IP, e.cand.Port))

	ticker := time.NewTicker(e.cfg.ProbeInterval)
	defer ticker.Stop()
send:
	for i := 0; i < e.cfg.ProbeTries; i++ {
		if _, err := e.conn.WriteToUDP(payload, to); err != nil {
			log.Debugf("echo %s probe %s: %v", e.cand.Addr(), to, err)
			break
		}
		select {
		case <-succeeded:
			break send
		case <-e.done:
			return
		case <-ticker.C:
		}
	}

	select {
	case <-e.done:
	case <-time.After(e.cfg.Grace):
	}
}

func formatEcho(token, ip string, port int) string {
	return token + ";" + ip + ":" + strconv.Itoa(port)
}

// parseEcho splits token;ip:port. The token may itself contain ';' and
// IPv6 addresses contain ':', so both splits use the last separator.
func parseEcho(payload string) (token, ip string, port int, err error) {
	i := strings.LastIndex(payload, ";")
	if i < 0 {
		return "", "", 0, errMalformedEcho
	}
	token, addr := payload[:i], payload[i+1:]
	j := strings.LastIndex(addr, ":")
	if j <= 0 {
		return "", "", 0, errMalformedEcho
	}
	ip = strings.Trim(addr[:j], "[]")
	port, err = strconv.Atoi(addr[j+1:])
	if err != nil || port < 0 || port > 65535 {
		return "", "", 0, errMalformedEcho
	}
	return token, ip, port, nil
}

func sameHost(a, b string) bool {
	if a == b {
		return true
	}
	ipa, ipb := net.ParseIP(a), net.ParseIP(b)
	return ipa != nil && ipb != nil && ipa.Equal(ipb)
}

func resolveUDP(ip string, port int) (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", net.JoinHostPort(ip, strconv.Itoa(port)))
}
