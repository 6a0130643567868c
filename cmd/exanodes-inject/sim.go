package main

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/exanodes/exanodes/internal/exaerr"
	"github.com/exanodes/exanodes/internal/exatypes"
	"github.com/exanodes/exanodes/prlock"
)

// fakeMetadata is the inject CLI's stand-in for the real SCSI
// reservation metadata a target would read/write; it just counts
// rounds so inject-message has something concrete to report.
type fakeMetadata struct {
	node     exatypes.NodeID
	finished int
	reads    int
}

func (m *fakeMetadata) WriteMetadata(private interface{}) ([]byte, error) {
	return []byte(fmt.Sprintf("pr-meta-from-node-%d", m.node)), nil
}

func (m *fakeMetadata) ReadMetadata(payload []byte) error {
	m.reads++
	return nil
}

func (m *fakeMetadata) Finished(private interface{}) {
	m.finished++
	logrus.Infof("node %d: PR round finished (job=%v)", m.node, private)
}

// dispatchTransport stands in for the real network transport: it only
// enqueues msg on the owning simCluster and returns immediately, the
// way a real async send would. Messages are delivered later by
// simCluster.pump, never recursively from inside Send — matching how
// every FSM method here calls transport.Send while still holding its
// own mutex, which a synchronous same-goroutine callback back into
// that same FSM would deadlock on.
type dispatchTransport struct {
	sim *simCluster
}

func (t *dispatchTransport) Send(msg prlock.Message) error {
	t.sim.queue = append(t.sim.queue, msg)
	return nil
}

// simCluster is the ephemeral in-process PR lock cluster inject-message
// drives: one elected server (the lowest-numbered node) plus one
// client per member, wired by dispatchTransport rather than a real
// network link.
type simCluster struct {
	members  []exatypes.NodeID
	server   *prlock.Server
	clients  map[exatypes.NodeID]*prlock.Client
	metadata map[exatypes.NodeID]*fakeMetadata
	jobSeq   int
	queue    []prlock.Message
}

// pump delivers every message enqueued so far, including ones enqueued
// by the deliveries themselves, until the queue drains.
func (sim *simCluster) pump() error {
	for len(sim.queue) > 0 {
		msg := sim.queue[0]
		sim.queue = sim.queue[1:]

		var err error
		if msg.Header.ToServer {
			err = sim.server.HandleMessage(msg)
		} else if client, ok := sim.clients[exatypes.NodeID(msg.Header.ToNode)]; ok {
			err = client.HandleMessage(msg)
		} else {
			err = exaerr.New(exaerr.Invalid, "inject-message: no such node %d", msg.Header.ToNode)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func newSimCluster(members []exatypes.NodeID) *simCluster {
	sim := &simCluster{
		members:  members,
		clients:  make(map[exatypes.NodeID]*prlock.Client),
		metadata: make(map[exatypes.NodeID]*fakeMetadata),
	}
	serverNode := members[0]
	tr := &dispatchTransport{sim: sim}

	sim.server = prlock.NewServer(serverNode, tr)
	sim.server.NewMembership(members, true)

	for _, n := range members {
		md := &fakeMetadata{node: n}
		sim.metadata[n] = md
		c := prlock.NewClient(n, serverNode, tr, md)
		sim.clients[n] = c
	}
	for _, n := range members {
		if err := sim.clients[n].OnNewMembership(members, 0, serverNode); err != nil {
			logrus.Warnf("node %d: LOCKSERVER_OK failed: %v", n, err)
		}
		if err := sim.pump(); err != nil {
			logrus.Warnf("node %d: membership barrier delivery failed: %v", n, err)
		}
	}
	return sim
}

// inject runs one scripted step. The only step type inject-message
// currently drives end to end is NEW_PR, a local target posting a new
// reservation for the given node to broadcast and finish.
func (sim *simCluster) inject(stepType string, node exatypes.NodeID) error {
	client, ok := sim.clients[node]
	if !ok {
		return exaerr.New(exaerr.Invalid, "inject-message: no such node %d", node)
	}

	switch stepType {
	case "NEW_PR":
		sim.jobSeq++
		job := fmt.Sprintf("job-%d", sim.jobSeq)
		logrus.Infof("node %d: new local PR (%s)", node, job)
		if err := client.NewLocalPR(job); err != nil {
			return err
		}
		return sim.pump()
	default:
		return exaerr.New(exaerr.Invalid, "inject-message: unknown step type %q", stepType)
	}
}

func clientStateName(s prlock.ClientState) string {
	switch s {
	case prlock.Passive:
		return "Passive"
	case prlock.WaitProcessRemote:
		return "WaitProcessRemote"
	default:
		return "Unknown"
	}
}

func serverStateName(s prlock.ServerState) string {
	switch s {
	case prlock.Standby:
		return "Standby"
	case prlock.WaitAllOk:
		return "WaitAllOk"
	case prlock.ReadyUnlocked:
		return "ReadyUnlocked"
	case prlock.ReadyLocked:
		return "ReadyLocked"
	default:
		return "Unknown"
	}
}

func (sim *simCluster) printStates() {
	logrus.Infof("lock server (node %d): state=%s", sim.members[0], serverStateName(sim.server.State()))
	if node, ok := sim.server.NodeWithLock(); ok {
		logrus.Infof("lock held by node %d", node)
	} else {
		logrus.Infof("lock not held")
	}
	for _, n := range sim.members {
		md := sim.metadata[n]
		logrus.Infof("node %d: client-state=%s finished=%d reads=%d",
			n, clientStateName(sim.clients[n].State()), md.finished, md.reads)
	}
}
