package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/pion/ion-jingle/pkg/log"
	"github.com/pion/ion-jingle/pkg/util"
	"go.etcd.io/etcd/clientv3"
)

// NodeState define the node state type
type NodeState int32

const (
	// NodeStateUp node starting up
	NodeStateUp NodeState = 0
	// NodeStateDown node shutdown
	NodeStateDown NodeState = 1

	defaultDialTimeout      = 5 * time.Second
	defaultGrantTimeout     = 5
	defaultOperationTimeout = 5 * time.Second
	defaultKeepRetryDelay   = 2 * time.Second
	defaultScoreInterval    = 5 * time.Second
)

var errClosed = errors.New("discovery service closed")

// Identity is what a node announces about itself. Relays announce a name
// starting with "rtpbridge".
type Identity struct {
	Domain   string
	Category string
	Type     string
	Name     string
	NID      string
	IP       string
	Score    int
}

// Key is where the identity lives in etcd.
func (i Identity) Key() string {
	return identityPrefix(i.Domain) + i.NID
}

func identityPrefix(domain string) string {
	return "/" + domain + "/identity/"
}

// Discoverer lists the identities announced for a domain.
type Discoverer interface {
	Identities(ctx context.Context, domain string) ([]Identity, error)
}

// HasIdentity reports whether d announces an identity whose name starts
// with prefix. Lookup errors count as absent.
func HasIdentity(ctx context.Context, d Discoverer, domain, prefix string) bool {
	if d == nil {
		return false
	}
	ids, err := d.Identities(ctx, domain)
	if err != nil {
		log.Warnf("discovery on %s failed: %v", domain, err)
		return false
	}
	for _, id := range ids {
		if strings.HasPrefix(id.Name, prefix) {
			return true
		}
	}
	return false
}

// Static is a fixed identity list.
type Static struct {
	mu  sync.RWMutex
	ids []Identity
}

func NewStatic(ids ...Identity) *Static {
	return &Static{ids: ids}
}

func (s *Static) Add(id Identity) {
	s.mu.Lock()
	s.ids = append(s.ids, id)
	s.mu.Unlock()
}

func (s *Static) Identities(ctx context.Context, domain string) ([]Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []Identity
	for _, id := range s.ids {
		if id.Domain == domain {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Service registers one identity in etcd and looks up others.
type Service struct {
	node   Identity
	client *clientv3.Client
	ttl    int64
	score  func() int
	stop   util.AtomicBool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	leaseID clientv3.LeaseID
}

// NewService create a service instance
func NewService(node Identity, addrs []string) (*Service, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   addrs,
		DialTimeout: defaultDialTimeout,
	})
	if err != nil {
		return nil, err
	}

	if node.NID == "" {
		node.NID = node.Name + "-" + util.RandomString(12)
	}
	s := &Service{
		node:   node,
		client: client,
		ttl:    defaultGrantTimeout,
	}
	s.score = func() int { return Score(s.probe) }
	s.ctx, s.cancel = context.WithCancel(context.Background())

	log.Infof("new node: %+v", s.node)
	return s, nil
}

// Close service
func (s *Service) Close() {
	if !s.stop.SetTrue() {
		return
	}

	log.Infof("node close: %v", s.node.Key())
	s.cancel()
	s.wg.Wait()
	s.client.Close()
}

// Node returns the identity this service announces.
func (s *Service) Node() Identity {
	return s.node
}

// SetTTL sets the lease ttl in seconds. Call it before KeepAlive.
func (s *Service) SetTTL(ttl int64) {
	if ttl > 0 {
		s.ttl = ttl
	}
}

// KeepAlive registers the node and refreshes its load score until Close.
func (s *Service) KeepAlive() {
	s.wg.Add(2)
	go s.keepAlive()
	go s.updateScore()
}

func (s *Service) keepAlive() {
	defer s.wg.Done()

	id := s.node.Key()
	log.Infof("start keepalive: %s", id)
	defer log.Infof("stop keepalive: %s", id)

	for !s.stop.Get() {
		val, err := json.Marshal(s.node)
		if err != nil {
			log.Errorf("json marshal error: %v, %v", s.node, err)
			return
		}

		resp, err := s.client.Grant(s.ctx, s.ttl)
		if err != nil {
			log.Errorf("etcd.Grant error: %s, %v", id, err)
			s.sleep(defaultKeepRetryDelay)
			continue
		}
		leaseID := resp.ID

		if _, err = s.client.Put(s.ctx, id, string(val), clientv3.WithLease(leaseID)); err != nil {
			log.Errorf("etcd.Put error: %s, %v", id, err)
			s.sleep(defaultKeepRetryDelay)
			continue
		}
		ch, err := s.client.KeepAlive(s.ctx, leaseID)
		if err != nil {
			log.Errorf("etcd.KeepAlive error: %s, %v", id, err)
			s.sleep(defaultKeepRetryDelay)
			continue
		}
		s.mu.Lock()
		s.leaseID = leaseID
		s.mu.Unlock()

		log.Infof("node registered successfully: %s", id)

		// just read, fix etcd-server warning "lease keepalive response queue is full; dropping response send"
		for ka := range ch {
			log.Tracef("receive keepalive-response: id=%d, ttl=%d", ka.ID, ka.TTL)
		}
		log.Infof("can not receive keepalive-response")

		if _, err = s.client.Revoke(context.TODO(), leaseID); err != nil {
			log.Errorf("etcd.Revoke error: %s, %d, %v", id, leaseID, err)
		}
	}
}

func (s *Service) updateScore() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(defaultScoreInterval):
		}

		s.mu.Lock()
		leaseID := s.leaseID
		s.mu.Unlock()
		if leaseID == 0 {
			continue
		}

		node := s.node
		node.Score = s.score()
		val, err := json.Marshal(node)
		if err != nil {
			continue
		}
		if _, err := s.client.Put(s.ctx, node.Key(), string(val), clientv3.WithLease(leaseID)); err != nil {
			log.Debugf("etcd.Put score error: %s, %v", node.Key(), err)
		}
	}
}

func (s *Service) sleep(d time.Duration) {
	select {
	case <-s.ctx.Done():
	case <-time.After(d):
	}
}

// probe measures one etcd round trip.
func (s *Service) probe() (time.Duration, error) {
	ctx, cancel := context.WithTimeout(s.ctx, defaultOperationTimeout)
	defer cancel()
	begin := time.Now()
	_, err := s.client.Get(ctx, "netscore")
	return time.Since(begin), err
}

// Identities lists the identities registered under domain.
func (s *Service) Identities(ctx context.Context, domain string) ([]Identity, error) {
	if s.stop.Get() {
		return nil, errClosed
	}
	ctx, cancel := context.WithTimeout(ctx, defaultOperationTimeout)
	defer cancel()
	resp, err := s.client.Get(ctx, identityPrefix(domain), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	ids := make([]Identity, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var id Identity
		if err := json.Unmarshal(kv.Value, &id); err != nil {
			log.Warnf("json.Unmarshal error: %s", kv.Key)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Watch reports identities of domain coming and going.
func (s *Service) Watch(domain string, onStateChange func(state NodeState, key string, id *Identity)) {
	s.wg.Add(1)
	go func(key string) {
		defer s.wg.Done()

		log.Infof("start watching: %s", key)
		defer log.Infof("stop watching: %s", key)

		ch := s.client.Watch(s.ctx, key, clientv3.WithPrefix())
		for resp := range ch {
			if resp.Canceled {
				log.Infof("etcd.Watch canceled: %s, %s", key, resp.Err())
				return
			}
			for _, e := range resp.Events {
				k := string(e.Kv.Key)
				switch e.Type {
				case clientv3.EventTypePut:
					var id Identity
					if err := json.Unmarshal(e.Kv.Value, &id); err != nil {
						log.Warnf("json.Unmarshal error: %v", e.Kv.Value)
						continue
					}
					onStateChange(NodeStateUp, k, &id)
				case clientv3.EventTypeDelete:
					log.Infof("node down: %s", k)
					onStateChange(NodeStateDown, k, nil)
				}
			}
		}
	}(identityPrefix(domain))
}
