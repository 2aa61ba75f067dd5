// Package broadcast fans encoded events out to the live sessions of a scene.
//
// Delivery never blocks: a member whose outbound buffer is full is dropped
// from the group and handed back to the caller, which closes it. The
// dropped client reconnects and catches up through history.
package broadcast

import "sort"

// Member is one live session.
type Member interface {
	SessionID() string
	Participant() string
	// Deliver enqueues msg without blocking and reports whether it was
	// accepted.
	Deliver(msg []byte) bool
	Close()
}

// Group is the set of sessions of one scene. It is not safe for
// concurrent use.
type Group struct {
	members map[string]Member
}

func NewGroup() *Group {
	return &Group{members: make(map[string]Member)}
}

func (g *Group) Add(m Member) {
	g.members[m.SessionID()] = m
}

// Remove reports whether the session was a member.
func (g *Group) Remove(sessionID string) bool {
	if _, ok := g.members[sessionID]; !ok {
		return false
	}
	delete(g.members, sessionID)
	return true
}

func (g *Group) Get(sessionID string) (Member, bool) {
	m, ok := g.members[sessionID]
	return m, ok
}

func (g *Group) Has(sessionID string) bool {
	_, ok := g.members[sessionID]
	return ok
}

func (g *Group) Len() int {
	return len(g.members)
}

// Broadcast delivers msg to every member except the session exceptSession
// and returns the members that had to be dropped.
func (g *Group) Broadcast(msg []byte, exceptSession string) []Member {
	return g.deliver(msg, func(m Member) bool { return m.SessionID() != exceptSession })
}

// SendTo delivers msg to every session of participant.
func (g *Group) SendTo(participant string, msg []byte) []Member {
	return g.deliver(msg, func(m Member) bool { return m.Participant() == participant })
}

// Send delivers msg to one session.
func (g *Group) Send(sessionID string, msg []byte) []Member {
	return g.deliver(msg, func(m Member) bool { return m.SessionID() == sessionID })
}

// Sessions returns the sessions of participant.
func (g *Group) Sessions(participant string) []Member {
	var out []Member
	for _, m := range g.Members() {
		if m.Participant() == participant {
			out = append(out, m)
		}
	}
	return out
}

// Members returns every member ordered by session id.
func (g *Group) Members() []Member {
	out := make([]Member, 0, len(g.members))
	for _, m := range g.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID() < out[j].SessionID() })
	return out
}

func (g *Group) deliver(msg []byte, match func(Member) bool) []Member {
	var dropped []Member
	for id, m := range g.members {
		if !match(m) {
			continue
		}
		if !m.Deliver(msg) {
			delete(g.members, id)
			dropped = append(dropped, m)
		}
	}
	return dropped
}
