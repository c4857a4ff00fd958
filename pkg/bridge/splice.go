package bridge

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/ion-jingle/pkg/log"
	"github.com/pion/ion-jingle/pkg/util"
	"github.com/pkg/errors"
)

const (
	allocTries     = 20
	maxDatagramLen = 1500
)

// splice forwards datagrams between leg A and leg B. Each leg sends to the
// last source address it received from on the other leg.
type splice struct {
	sid string
	a   *net.UDPConn
	b   *net.UDPConn

	mu    sync.Mutex
	peerA *net.UDPAddr
	peerB *net.UDPAddr

	lastActive int64
	wg         sync.WaitGroup
	once       sync.Once
}

// allocate binds a UDP socket on ip with a port in [min, max]. An empty
// range lets the system pick.
func allocate(ip string, min, max int) (*net.UDPConn, error) {
	addr := net.ParseIP(ip)
	if max <= min {
		return net.ListenUDP("udp", &net.UDPAddr{IP: addr})
	}
	var lastErr error
	for i := 0; i < allocTries; i++ {
		port := min + util.RandomInt(max-min+1)
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr, Port: port})
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, errors.Wrapf(lastErr, "no free port on %s in [%d, %d]", ip, min, max)
}

func newSplice(sid, ip string, min, max int) (*splice, error) {
	a, err := allocate(ip, min, max)
	if err != nil {
		return nil, errors.Wrap(err, "leg a")
	}
	b, err := allocate(ip, min, max)
	if err != nil {
		a.Close()
		return nil, errors.Wrap(err, "leg b")
	}

	s := &splice{sid: sid, a: a, b: b}
	s.touch()
	s.wg.Add(2)
	go s.pump(a, b, true)
	go s.pump(b, a, false)
	return s, nil
}

func (s *splice) portA() int {
	return s.a.LocalAddr().(*net.UDPAddr).Port
}

func (s *splice) portB() int {
	return s.b.LocalAddr().(*net.UDPAddr).Port
}

func (s *splice) touch() {
	atomic.StoreInt64(&s.lastActive, time.Now().UnixNano())
}

func (s *splice) idleFor() time.Duration {
	return time.Since(time.Unix(0, atomic.LoadInt64(&s.lastActive)))
}

// prime sets the peers before any traffic latched them.
func (s *splice) prime(hostA string, portA int, hostB string, portB int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(hostA, strconv.Itoa(portA))); err == nil && portA > 0 {
		s.peerA = addr
	}
	if addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(hostB, strconv.Itoa(portB))); err == nil && portB > 0 {
		s.peerB = addr
	}
}

func (s *splice) latch(fromA bool, addr *net.UDPAddr) *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fromA {
		s.peerA = addr
		return s.peerB
	}
	s.peerB = addr
	return s.peerA
}

func (s *splice) pump(in, out *net.UDPConn, fromA bool) {
	defer s.wg.Done()

	buf := make([]byte, maxDatagramLen)
	for {
		n, from, err := in.ReadFromUDP(buf)
		if err != nil {
			return
		}
		s.touch()
		to := s.latch(fromA, from)
		if to == nil {
			continue
		}
		if _, err := out.WriteToUDP(buf[:n], to); err != nil {
			log.Debugf("relay %s forward to %s: %v", s.sid, to, err)
		}
	}
}

func (s *splice) close() {
	s.once.Do(func() {
		s.a.Close()
		s.b.Close()
		s.wg.Wait()
	})
}
