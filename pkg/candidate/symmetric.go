package candidate

import "sync"

type legs struct {
	local  *Candidate
	remote *Candidate
}

// SymmetricTable links the two legs of a relay session by session id.
type SymmetricTable struct {
	mu    sync.RWMutex
	pairs map[string]legs
}

func NewSymmetricTable() *SymmetricTable {
	return &SymmetricTable{pairs: make(map[string]legs)}
}

// Link records local and remote as partners under the session id of local.
func (t *SymmetricTable) Link(local, remote *Candidate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pairs[local.SessionID] = legs{local: local, remote: remote}
}

// Partner returns the other leg of c, nil when c is not linked.
func (t *SymmetricTable) Partner(c *Candidate) *Candidate {
	if c == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.pairs[c.SessionID]
	if !ok {
		return nil
	}
	switch c {
	case p.local:
		return p.remote
	case p.remote:
		return p.local
	}
	return nil
}

func (t *SymmetricTable) Unlink(sid string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pairs, sid)
}

func (t *SymmetricTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pairs)
}
