package negotiator

import (
	"github.com/pion/ion-jingle/pkg/candidate"
	"github.com/pion/ion-jingle/pkg/jingle"
	"github.com/pion/ion-jingle/pkg/resolver"
)

// NewRawUDP negotiates raw-UDP candidates only. Any validated candidate
// will do; the first one is used.
func NewRawUDP(session jingle.Session, content string, r resolver.Resolver, opts ...Option) *Negotiator {
	return newNegotiator(session, content, r, variant{
		kind:      candidate.KindFixed,
		namespace: jingle.NSRawUDP,
		best:      firstValid,
	}, opts)
}

// NewICE negotiates ICE candidates only and picks the validated candidate
// with the highest preference.
func NewICE(session jingle.Session, content string, r resolver.Resolver, opts ...Option) *Negotiator {
	return newNegotiator(session, content, r, variant{
		kind:      candidate.KindICE,
		namespace: jingle.NSICE,
		best:      highestPreference,
	}, opts)
}

func firstValid(valid []*candidate.Candidate) *candidate.Candidate {
	if len(valid) == 0 {
		return nil
	}
	return valid[0]
}

// highestPreference keeps the earliest validated among equal preferences.
func highestPreference(valid []*candidate.Candidate) *candidate.Candidate {
	var best *candidate.Candidate
	for _, c := range valid {
		if c.Kind() != candidate.KindICE {
			continue
		}
		if best == nil || c.Preference() > best.Preference() {
			best = c
		}
	}
	return best
}
