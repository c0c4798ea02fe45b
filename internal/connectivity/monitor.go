// Package connectivity tracks whether the remote API is reachable and tells
// subscribers when that changes.
package connectivity

import "sync"

// Monitor holds the online flag. Subscribers are called once per transition,
// in transition order, never for a Set that does not change the flag.
type Monitor struct {
	mu         sync.Mutex
	online     bool
	nextID     int
	subs       map[int]func(bool)
	order      []int
	pending    []bool
	delivering bool
}

func NewMonitor(initial bool) *Monitor {
	return &Monitor{online: initial, subs: map[int]func(bool){}}
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records the current reachability. A transition set while another one
// is still being delivered is queued behind it, so Set may be called from a
// subscriber.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.pending = append(m.pending, online)
	if m.delivering {
		m.mu.Unlock()
		return
	}
	m.delivering = true
	for len(m.pending) > 0 {
		next := m.pending[0]
		m.pending = m.pending[1:]
		subs := make([]func(bool), 0, len(m.order))
		for _, id := range m.order {
			subs = append(subs, m.subs[id])
		}
		m.mu.Unlock()
		for _, fn := range subs {
			fn(next)
		}
		m.mu.Lock()
	}
	m.delivering = false
	m.mu.Unlock()
}

// Subscribe registers fn for future transitions. The returned func removes
// it and is safe to call more than once.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.order = append(m.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			for i, existing := range m.order {
				if existing == id {
					m.order = append(m.order[:i:i], m.order[i+1:]...)
					break
				}
			}
		})
	}
}
