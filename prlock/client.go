package prlock

import (
	"sync"

	"github.com/exanodes/exanodes/internal/exaerr"
	"github.com/exanodes/exanodes/internal/exatypes"
)

// ClientState is the lock client's FSM state (spec §4.10): Passive,
// waiting for a local target-new-PR or an incoming protocol message,
// or WaitProcessRemote, waiting for every peer's PR_CMD_DONE.
type ClientState int

const (
	Passive ClientState = iota
	WaitProcessRemote
)

// MetadataHandler is the target-supplied callback set
// algopr_lockclient_process_local calls out to
// (scsi_pr_write_metadata/scsi_pr_read_metadata/scsi_pr_finished).
type MetadataHandler interface {
	// WriteMetadata produces the payload to broadcast for private,
	// the job at the head of the pending queue (nil if none — the
	// original's ALGOPR_PRIVATE_DATA sentinel, a reservation refresh
	// with no specific job attached).
	WriteMetadata(private interface{}) ([]byte, error)
	// ReadMetadata applies a payload received from a remote PR_CMD.
	ReadMetadata(payload []byte) error
	// Finished is called exactly once a reservation round completes.
	Finished(private interface{})
}

// Client is the PR lock client FSM run by every cluster node.
type Client struct {
	mu sync.Mutex

	self      exatypes.NodeID
	lockServer exatypes.NodeID
	transport Transport
	metadata  MetadataHandler
	dedup     *SeqDedup

	state   ClientState
	pending []interface{}

	membership map[exatypes.NodeID]bool
	incarnation uint16

	pendingPrivate         interface{}
	incarnationAtBeginning uint16
	readMembership         map[exatypes.NodeID]bool
	readMembershipOk       map[exatypes.NodeID]bool
	emitterSeq             uint16
}

func NewClient(self, lockServer exatypes.NodeID, transport Transport, metadata MetadataHandler) *Client {
	return &Client{
		self:       self,
		lockServer: lockServer,
		transport:  transport,
		metadata:   metadata,
		dedup:      NewSeqDedup(),
		state:      Passive,
	}
}

func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) sendToLockServer(t MsgType) error {
	return c.transport.Send(Message{Header: Header{
		Type:       t,
		FromServer: false,
		FromNode:   uint8(c.self),
		ToServer:   true,
		ToNode:     uint8(c.lockServer),
		FromIncarn: c.incarnation,
	}})
}

// OnNewMembership installs a new membership/incarnation/lock-server
// triple (handle_new_membership's client-side half).
func (c *Client) OnNewMembership(members []exatypes.NodeID, incarnation uint16, lockServer exatypes.NodeID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.membership = toSet(members)
	c.incarnation = incarnation
	c.lockServer = lockServer

	switch c.state {
	case Passive:
		if err := c.sendToLockServer(LockserverOK); err != nil {
			return err
		}
		if len(c.pending) > 0 {
			return c.sendToLockServer(Lock)
		}
		return nil
	default: // WaitProcessRemote
		return c.checkFinishedLocked()
	}
}

// NewLocalPR posts a new local reservation job (target-new-PR).
func (c *Client) NewLocalPR(private interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, private)
	if c.state == Passive && len(c.pending) == 1 {
		return c.sendToLockServer(Lock)
	}
	return nil
}

// HandleMessage dispatches msg according to the client's current
// state.
func (c *Client) HandleMessage(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Passive:
		return c.handlePassive(msg)
	default:
		return c.handleWaitProcessRemote(msg)
	}
}

func (c *Client) handlePassive(msg Message) error {
	switch msg.Header.Type {
	case PRCmd:
		if err := c.metadata.ReadMetadata(msg.Payload); err != nil {
			return err
		}
		return c.transport.Send(Message{Header: Header{
			Type:       PRCmdDone,
			FromServer: false,
			FromNode:   uint8(c.self),
			ToServer:   false,
			ToNode:     msg.Header.FromNode,
			EmitterSeq: msg.Header.EmitterSeq,
		}})

	case Locked:
		return c.processLocalLocked(false)

	case LockUpdateOtherNode:
		return c.processLocalLocked(true)

	default:
		return exaerr.New(exaerr.Internal, "PR lock client: %s not valid in Passive", msg.Header.Type)
	}
}

// processLocalLocked mirrors algopr_lockclient_process_local: take the
// next pending job (unless updateOtherNode forces the
// no-specific-job path), write its metadata, and either finish
// immediately (alone in the cluster) or broadcast PR_CMD and wait.
func (c *Client) processLocalLocked(updateOtherNode bool) error {
	var private interface{}
	if !updateOtherNode && len(c.pending) > 0 {
		private = c.pending[0]
		c.pending = c.pending[1:]
	}

	payload, err := c.metadata.WriteMetadata(private)
	if err != nil {
		return err
	}

	others := make(map[exatypes.NodeID]bool)
	for n := range c.membership {
		if n != c.self {
			others[n] = true
		}
	}

	if len(others) == 0 {
		c.metadata.Finished(private)
		return c.sendToLockServer(Unlock)
	}

	c.emitterSeq++
	c.pendingPrivate = private
	c.incarnationAtBeginning = c.incarnation
	c.readMembership = others
	c.readMembershipOk = make(map[exatypes.NodeID]bool)

	for n := range others {
		if err := c.transport.Send(Message{Header: Header{
			Type:       PRCmd,
			FromServer: false,
			FromNode:   uint8(c.self),
			ToServer:   false,
			ToNode:     uint8(n),
			EmitterSeq: c.emitterSeq,
		}, Payload: payload}); err != nil {
			return err
		}
	}
	c.state = WaitProcessRemote
	return nil
}

func (c *Client) handleWaitProcessRemote(msg Message) error {
	if msg.Header.Type != PRCmdDone {
		return exaerr.New(exaerr.Internal, "PR lock client: %s not valid in WaitProcessRemote", msg.Header.Type)
	}
	from := exatypes.NodeID(msg.Header.FromNode)
	if c.dedup.Seen(from, msg.Header.EmitterSeq) {
		return nil
	}
	c.readMembershipOk[from] = true
	return c.checkFinishedLocked()
}

// checkFinishedLocked mirrors
// algopr_lockclient_process_check_finished: once every surviving
// member of the broadcast has acked, call Finished, tell the server
// UNLOCK (incarnation stable) or LOCKSERVER_OK (it changed underfoot),
// go Passive, and start the next queued job if any.
func (c *Client) checkFinishedLocked() error {
	for n := range c.readMembership {
		if !c.membership[n] {
			delete(c.readMembership, n)
		}
	}
	for n := range c.readMembershipOk {
		if !c.membership[n] {
			delete(c.readMembershipOk, n)
		}
	}
	if !setsEqual(c.readMembership, c.readMembershipOk) {
		return nil
	}

	private := c.pendingPrivate
	c.metadata.Finished(private)

	var err error
	if c.incarnation == c.incarnationAtBeginning {
		err = c.sendToLockServer(Unlock)
	} else {
		err = c.sendToLockServer(LockserverOK)
	}
	c.state = Passive
	if err != nil {
		return err
	}
	if len(c.pending) > 0 {
		return c.sendToLockServer(Lock)
	}
	return nil
}
