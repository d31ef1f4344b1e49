package maxapi

import "sync"

// cache holds the profile, chats and contacts learned from the server. It is
// a snapshot and is not kept live.
type cache struct {
	mu       sync.RWMutex
	me       *Contact
	chats    map[int64]Chat
	contacts map[int64]Contact
}

func newCache() *cache {
	return &cache{
		chats:    make(map[int64]Chat),
		contacts: make(map[int64]Contact),
	}
}

// reset replaces the snapshot with what authentication returned.
func (s *cache) reset(p *Profile, chats []Chat) {
	s.mu.Lock()
	defer s.mu.Unlock()

	me := p.Contact
	s.me = &me
	s.contacts[me.ID] = me
	s.chats = make(map[int64]Chat, len(chats))
	for _, ch := range chats {
		s.chats[ch.ID] = ch
	}
}

func (s *cache) profile() *Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.me == nil {
		return nil
	}
	me := *s.me
	return &me
}

func (s *cache) chat(id int64) (*Chat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.chats[id]
	if !ok {
		return nil, false
	}
	return &ch, true
}

func (s *cache) chatList() []Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Chat, 0, len(s.chats))
	for _, ch := range s.chats {
		out = append(out, ch)
	}
	return out
}

func (s *cache) contact(id int64) (*Contact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ct, ok := s.contacts[id]
	if !ok {
		return nil, false
	}
	return &ct, true
}

func (s *cache) putContacts(contacts []Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ct := range contacts {
		s.contacts[ct.ID] = ct
	}
}
