// Package relay bridges one telephony media-stream connection to one
// speech-model session per live call, converting audio formats in both
// directions.
package relay

import "sync"

// Registry owns all per-connection relay state, keyed by the telephony
// stream id. Sessions are looked up here rather than stashed on socket
// handles; nothing else in the process holds session pointers.
//
// Sessions are fully independent: the registry map is the only shared
// structure, and it is only touched on register/unregister, never on the
// per-frame path.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) Register(streamSID string, s *Session) {
	if streamSID == "" || s == nil {
		return
	}
	r.mu.Lock()
	r.sessions[streamSID] = s
	r.mu.Unlock()
}

func (r *Registry) Lookup(streamSID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[streamSID]
	return s, ok
}

func (r *Registry) Unregister(streamSID string) {
	if streamSID == "" {
		return
	}
	r.mu.Lock()
	delete(r.sessions, streamSID)
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
