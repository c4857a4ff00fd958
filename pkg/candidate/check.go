package candidate

import (
	"net"
	"sync"
	"time"

	"github.com/pion/ion-jingle/pkg/log"
)

// Check tests in the background whether c can be reached from locals and
// reports the result to the check listeners.
//
// Relay candidates are never probed and report false. Every local
// candidate with a prober of a compatible kind probes c; ICE candidates are
// only probed from local ICE candidates of the same type. When nothing can
// probe c, a raw-UDP candidate is usable iff its address resolves.
func (c *Candidate) Check(locals []*Candidate) {
	go c.check(locals)
}

func (c *Candidate) check(locals []*Candidate) {
	if c.IsType(TypeRelay) {
		c.fireChecked(false)
		return
	}

	var probers []*Echo
	for _, l := range locals {
		e := l.Echo()
		if e == nil || !c.probableFrom(l) {
			continue
		}
		probers = append(probers, e)
	}

	if len(probers) == 0 {
		if c.ICE != nil {
			c.fireChecked(false)
			return
		}
		c.fireChecked(resolves(c.IP))
		return
	}

	reachable := make(chan struct{})
	var once sync.Once
	listener := func(ok bool, target *Candidate) {
		if ok && c.Equal(target) {
			once.Do(func() { close(reachable) })
		}
	}

	var removers []func()
	for _, e := range probers {
		removers = append(removers, e.AddResultListener(listener))
		e.TestAsync(c, c.passwordFor(e))
	}

	cfg := probers[0].Config()
	ok := false
	timer := time.NewTimer(time.Duration(cfg.CheckRounds) * cfg.CheckInterval)
	select {
	case <-reachable:
		ok = true
	case <-timer.C:
	}
	timer.Stop()

	for _, remove := range removers {
		remove()
	}

	log.Debugf("candidate %s reachable=%v", c.Addr(), ok)
	c.fireChecked(ok)
}

func (c *Candidate) probableFrom(local *Candidate) bool {
	if c.ICE == nil {
		return true
	}
	return local.ICE != nil && local.ICE.Type == c.ICE.Type
}

// passwordFor is the token c answers to as seen from prober e.
func (c *Candidate) passwordFor(e *Echo) string {
	if c.Password != "" {
		return c.Password
	}
	return e.SendToken()
}

func resolves(host string) bool {
	if host == "" {
		return false
	}
	if net.ParseIP(host) != nil {
		return true
	}
	addrs, err := net.LookupHost(host)
	return err == nil && len(addrs) > 0
}
