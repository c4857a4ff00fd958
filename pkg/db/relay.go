package db

import (
	"strconv"
	"time"

	"github.com/pion/ion-jingle/pkg/bridge"
)

const relayKeyPrefix = "/relay/session/"

// RelayStore keeps relay sessions in redis so several relay processes can
// answer change requests for each other's sessions.
type RelayStore struct {
	r   *Redis
	ttl time.Duration
}

// NewRelayStore stores sessions for ttl after their last update.
func NewRelayStore(r *Redis, ttl time.Duration) *RelayStore {
	return &RelayStore{r: r, ttl: ttl}
}

func relayKey(sid string) string {
	return relayKeyPrefix + sid
}

func (s *RelayStore) Put(sess *bridge.Session) error {
	return s.r.HMSetTTL(s.ttl, relayKey(sess.SID), encodeSession(sess))
}

func encodeSession(sess *bridge.Session) map[string]interface{} {
	return map[string]interface{}{
		"sid":   sess.SID,
		"pass":  sess.Pass,
		"ip":    sess.IP,
		"name":  sess.Name,
		"porta": sess.PortA,
		"portb": sess.PortB,
		"hosta": sess.HostA,
		"hostb": sess.HostB,
	}
}

func (s *RelayStore) Get(sid string) (*bridge.Session, error) {
	fields, err := s.r.HGetAll(relayKey(sid))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, bridge.ErrSessionNotFound
	}
	return decodeSession(fields), nil
}

func (s *RelayStore) Delete(sid string) error {
	return s.r.Del(relayKey(sid))
}

// SIDs lists the stored session ids.
func (s *RelayStore) SIDs() []string {
	keys := s.r.Keys(relayKeyPrefix + "*")
	sids := make([]string, 0, len(keys))
	for _, k := range keys {
		sids = append(sids, k[len(relayKeyPrefix):])
	}
	return sids
}

func decodeSession(fields map[string]string) *bridge.Session {
	portA, _ := strconv.Atoi(fields["porta"])
	portB, _ := strconv.Atoi(fields["portb"])
	return &bridge.Session{
		SID:   fields["sid"],
		Pass:  fields["pass"],
		IP:    fields["ip"],
		Name:  fields["name"],
		PortA: portA,
		PortB: portB,
		HostA: fields["hosta"],
		HostB: fields["hostb"],
	}
}
