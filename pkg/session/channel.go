package session

import (
	"slices"

	"github.com/braddevans/PorkLib/pkg/core/future"
	"github.com/braddevans/PorkLib/pkg/transport"
)

// channelSet is an immutable snapshot; writers publish a modified copy.
type channelSet struct {
	ids map[uint16]struct{}
}

func newChannelSet(ids ...uint16) *channelSet {
	cs := &channelSet{ids: make(map[uint16]struct{}, len(ids))}
	for _, id := range ids {
		cs.ids[id] = struct{}{}
	}
	return cs
}

func (cs *channelSet) has(id uint16) bool {
	_, ok := cs.ids[id]
	return ok
}

func (cs *channelSet) with(id uint16) *channelSet {
	next := &channelSet{ids: make(map[uint16]struct{}, len(cs.ids)+1)}
	for k := range cs.ids {
		next.ids[k] = struct{}{}
	}
	next.ids[id] = struct{}{}
	return next
}

// Channel is a handle on one logical stream of a session.
type Channel struct {
	id uint16
	s  *Session
}

func (c *Channel) ID() uint16        { return c.id }
func (c *Channel) Session() *Session { return c.s }

// Send is SendOn for this channel.
func (c *Channel) Send(msg any, rel transport.Reliability) *future.Future {
	return c.s.SendOn(c.id, msg, rel)
}

// OpenChannel makes id usable for sends. Opening an open channel returns the
// existing handle. Channel 0 is always open.
func (s *Session) OpenChannel(id uint16) (*Channel, error) {
	if s.closeRequested.Load() || s.State() >= Closing {
		return nil, ErrSessionClosed
	}
	s.addChannel(id)
	return &Channel{id: id, s: s}, nil
}

// Channel returns the handle of an open channel.
func (s *Session) Channel(id uint16) (*Channel, bool) {
	if !s.hasChannel(id) {
		return nil, false
	}
	return &Channel{id: id, s: s}, true
}

// Channels lists open channel ids in ascending order.
func (s *Session) Channels() []uint16 {
	cs := s.channels.Load()
	out := make([]uint16, 0, len(cs.ids))
	for id := range cs.ids {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (s *Session) hasChannel(id uint16) bool { return s.channels.Load().has(id) }

// addChannel reports whether id was newly opened.
func (s *Session) addChannel(id uint16) bool {
	if s.hasChannel(id) {
		return false
	}
	s.chMu.Lock()
	defer s.chMu.Unlock()
	cs := s.channels.Load()
	if cs.has(id) {
		return false
	}
	s.channels.Store(cs.with(id))
	return true
}

func (s *Session) releaseChannels() {
	s.chMu.Lock()
	s.channels.Store(newChannelSet())
	s.chMu.Unlock()
}
