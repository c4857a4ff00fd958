// Package reflector answers STUN binding requests and performs them.
package reflector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/ion-jingle/pkg/log"
	"github.com/pion/stun"
)

const (
	defaultBindingTimeout = 3 * time.Second
	bindingRTO            = 100 * time.Millisecond
	maxMessageSize        = 1500
)

var errNoMappedAddress = errors.New("stun response has no mapped address")

// Server is a minimal STUN server that tells clients their reflexive
// address.
type Server struct {
	conn net.PacketConn
	wg   sync.WaitGroup
	once sync.Once
}

// Listen starts a reflector on addr, e.g. ":3478".
func Listen(addr string) (*Server, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{conn: conn}
	s.wg.Add(1)
	go s.serve()
	log.Infof("stun reflector listening on %s", conn.LocalAddr())
	return s, nil
}

func (s *Server) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		err = s.conn.Close()
		s.wg.Wait()
	})
	return err
}

func (s *Server) serve() {
	defer s.wg.Done()

	buf := make([]byte, maxMessageSize)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		if !stun.IsMessage(buf[:n]) {
			continue
		}

		req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := req.Decode(); err != nil {
			log.Debugf("stun decode from %s: %v", from, err)
			continue
		}
		if req.Type != stun.BindingRequest {
			continue
		}

		udp, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}
		resp, err := stun.Build(req, stun.BindingSuccess,
			&stun.XORMappedAddress{
				IP:   udp.IP,
				Port: udp.Port,
			},
			stun.Fingerprint,
		)
		if err != nil {
			log.Warnf("stun build response to %s: %v", from, err)
			continue
		}
		if _, err := s.conn.WriteTo(resp.Raw, from); err != nil {
			log.Debugf("stun write to %s: %v", from, err)
		}
	}
}

// Binding asks server for the address local is seen as. An empty local
// lets the system pick the source address.
func Binding(ctx context.Context, local, server string) (*net.UDPAddr, error) {
	raddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, err
	}
	var laddr *net.UDPAddr
	if local != "" {
		laddr = &net.UDPAddr{IP: net.ParseIP(local)}
		if laddr.IP == nil {
			return nil, fmt.Errorf("invalid local address %q", local)
		}
	}

	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultBindingTimeout)
		defer cancel()
	}
	client, err := stun.NewClient(conn, stun.WithRTO(bindingRTO))
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer client.Close()

	type result struct {
		addr *net.UDPAddr
		err  error
	}
	ch := make(chan result, 1)
	err = client.Start(stun.MustBuild(stun.TransactionID, stun.BindingRequest), func(e stun.Event) {
		if e.Error != nil {
			ch <- result{err: e.Error}
			return
		}
		var xor stun.XORMappedAddress
		if err := xor.GetFrom(e.Message); err != nil {
			var mapped stun.MappedAddress
			if err := mapped.GetFrom(e.Message); err != nil {
				ch <- result{err: errNoMappedAddress}
				return
			}
			ch <- result{addr: &net.UDPAddr{IP: mapped.IP, Port: mapped.Port}}
			return
		}
		ch <- result{addr: &net.UDPAddr{IP: xor.IP, Port: xor.Port}}
	})
	if err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		return r.addr, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
