package gateway

import (
	"sort"
	"sync"
)

// Presence tracks which participants hold at least one open connection.
// A participant with several devices or open chats is counted per
// connection and stays online until the last one drops.
type Presence struct {
	mu    sync.RWMutex
	conns map[string]int
}

func NewPresence() *Presence {
	return &Presence{conns: make(map[string]int)}
}

func (p *Presence) Add(participantID string) {
	if participantID == "" {
		return
	}
	p.mu.Lock()
	p.conns[participantID]++
	p.mu.Unlock()
}

func (p *Presence) Remove(participantID string) {
	if participantID == "" {
		return
	}
	p.mu.Lock()
	if n, ok := p.conns[participantID]; ok {
		if n <= 1 {
			delete(p.conns, participantID)
		} else {
			p.conns[participantID] = n - 1
		}
	}
	p.mu.Unlock()
}

// Online reports whether the participant has an open connection.
func (p *Presence) Online(participantID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conns[participantID] > 0
}

// Connections returns the total number of open connections.
func (p *Presence) Connections() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, c := range p.conns {
		n += c
	}
	return n
}

// Participants returns the ids currently online, sorted.
func (p *Presence) Participants() []string {
	p.mu.RLock()
	out := make([]string, 0, len(p.conns))
	for id := range p.conns {
		out = append(out, id)
	}
	p.mu.RUnlock()
	sort.Strings(out)
	return out
}
