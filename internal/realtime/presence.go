package realtime

import (
	"sort"
	"sync"
)

// Presence tracks which empids are online per company. A user with
// several open connections counts once; the refcount keeps a second tab
// from flickering presence off.
type Presence struct {
	mu     sync.RWMutex
	online map[int64]map[string]int
}

func NewPresence() *Presence {
	return &Presence{online: make(map[int64]map[string]int)}
}

// Add registers one connection and reports whether the user just came
// online.
func (p *Presence) Add(companyID int64, empid string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	room, ok := p.online[companyID]
	if !ok {
		room = make(map[string]int)
		p.online[companyID] = room
	}
	room[empid]++
	return room[empid] == 1
}

// Remove drops one connection and reports whether the user just went
// offline.
func (p *Presence) Remove(companyID int64, empid string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	room, ok := p.online[companyID]
	if !ok {
		return false
	}
	if room[empid] <= 1 {
		delete(room, empid)
		if len(room) == 0 {
			delete(p.online, companyID)
		}
		return true
	}
	room[empid]--
	return false
}

// List returns the online empids for a company, sorted for stable output.
func (p *Presence) List(companyID int64) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	room := p.online[companyID]
	empids := make([]string, 0, len(room))
	for empid := range room {
		empids = append(empids, empid)
	}
	sort.Strings(empids)
	return empids
}
