package prlock

import (
	"sync"
	"time"

	"github.com/exanodes/exanodes/internal/exaerr"
	"github.com/exanodes/exanodes/internal/exatypes"
)

// ServerState is the lock server's FSM state (spec §4.10):
// Standby -> WaitAllOk -> ReadyUnlocked <-> ReadyLocked.
type ServerState int

const (
	Standby ServerState = iota
	WaitAllOk
	ReadyUnlocked
	ReadyLocked
)

// Server is the PR lock server FSM, run by whichever node the cluster
// elects (spec §4.10: "chosen by the cluster's first live node id in
// incarnation order" — the election itself lives outside this
// package, which only runs the FSM once told it holds the role).
type Server struct {
	mu sync.Mutex

	self      exatypes.NodeID
	transport Transport

	state ServerState

	membership map[exatypes.NodeID]bool
	acked      map[exatypes.NodeID]bool
	haveBest   bool
	bestNode   exatypes.NodeID
	bestIncarn uint16

	haveLock     bool
	nodeWithLock exatypes.NodeID
	queue        []Message
	grantedAt    time.Time
}

func NewServer(self exatypes.NodeID, transport Transport) *Server {
	return &Server{self: self, transport: transport, state: Standby}
}

func (s *Server) State() ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Server) NodeWithLock() (exatypes.NodeID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodeWithLock, s.haveLock
}

// NewMembership resets the server FSM for a new membership
// (handle_new_membership's server-side half): if this node is not the
// elected server it goes Standby, otherwise it opens the
// LOCKSERVER_OK barrier in WaitAllOk.
func (s *Server) NewMembership(members []exatypes.NodeID, isServer bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.membership = toSet(members)
	s.acked = make(map[exatypes.NodeID]bool)
	s.haveBest = false
	s.bestIncarn = 0
	s.queue = nil
	s.haveLock = false
	if isServer {
		s.state = WaitAllOk
	} else {
		s.state = Standby
	}
}

func (s *Server) sendTo(to exatypes.NodeID, t MsgType) error {
	return s.transport.Send(Message{Header: Header{
		Type:       t,
		FromServer: true,
		FromNode:   uint8(s.self),
		ToServer:   false,
		ToNode:     uint8(to),
	}})
}

// HandleMessage dispatches msg according to the server's current
// state (spec §4.10).
func (s *Server) HandleMessage(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Standby:
		return exaerr.New(exaerr.Internal, "PR lock server received %s while Standby", msg.Header.Type)
	case WaitAllOk:
		return s.handleWaitAllOk(msg)
	case ReadyUnlocked:
		return s.handleReadyUnlocked(msg)
	case ReadyLocked:
		return s.handleReadyLocked(msg)
	}
	return nil
}

func (s *Server) handleWaitAllOk(msg Message) error {
	switch msg.Header.Type {
	case Lock:
		s.queue = append(s.queue, msg)
		return nil

	case LockserverOK:
		from := exatypes.NodeID(msg.Header.FromNode)
		if !s.haveBest || msg.Header.FromIncarn > s.bestIncarn {
			s.bestNode = from
			s.bestIncarn = msg.Header.FromIncarn
			s.haveBest = true
		}
		s.acked[from] = true
		if !setsEqual(s.acked, s.membership) {
			return nil
		}

		s.nodeWithLock = s.bestNode
		s.haveLock = true
		s.state = ReadyLocked
		s.grantedAt = time.Now()
		return s.sendTo(s.bestNode, LockUpdateOtherNode)

	default:
		return exaerr.New(exaerr.Internal, "PR lock server: %s not valid in WaitAllOk", msg.Header.Type)
	}
}

func (s *Server) handleReadyUnlocked(msg Message) error {
	if msg.Header.Type != Lock {
		return exaerr.New(exaerr.Internal, "PR lock server: %s not valid in ReadyUnlocked", msg.Header.Type)
	}
	from := exatypes.NodeID(msg.Header.FromNode)
	s.nodeWithLock = from
	s.haveLock = true
	s.state = ReadyLocked
	s.grantedAt = time.Now()
	return s.sendTo(from, Locked)
}

func (s *Server) handleReadyLocked(msg Message) error {
	switch msg.Header.Type {
	case Lock:
		s.queue = append(s.queue, msg)
		return nil

	case Unlock:
		from := exatypes.NodeID(msg.Header.FromNode)
		if !s.haveLock || from != s.nodeWithLock {
			return exaerr.New(exaerr.Internal, "PR lock server: UNLOCK from non-owner node %d", from)
		}
		lockHoldSeconds.Observe(time.Since(s.grantedAt).Seconds())
		if len(s.queue) > 0 {
			next := s.queue[0]
			s.queue = s.queue[1:]
			nextFrom := exatypes.NodeID(next.Header.FromNode)
			s.nodeWithLock = nextFrom
			s.state = ReadyLocked
			s.grantedAt = time.Now()
			return s.sendTo(nextFrom, Locked)
		}
		s.haveLock = false
		s.state = ReadyUnlocked
		return nil

	default:
		return exaerr.New(exaerr.Internal, "PR lock server: %s not valid in ReadyLocked", msg.Header.Type)
	}
}
