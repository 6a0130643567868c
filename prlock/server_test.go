package prlock

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/exanodes/exanodes/internal/exatypes"
)

type recordingTransport struct {
	sent []Message
}

func (r *recordingTransport) Send(msg Message) error {
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingTransport) last() Message {
	return r.sent[len(r.sent)-1]
}

func TestServerWaitAllOkElectsHighestIncarnationArbiter(t *testing.T) {
	tr := &recordingTransport{}
	s := NewServer(1, tr)
	s.NewMembership([]exatypes.NodeID{1, 2, 3}, true)
	require.Equal(t, WaitAllOk, s.State())

	require.NoError(t, s.HandleMessage(Message{Header: Header{Type: LockserverOK, FromNode: 1, FromIncarn: 3}}))
	require.NoError(t, s.HandleMessage(Message{Header: Header{Type: LockserverOK, FromNode: 2, FromIncarn: 7}}))
	require.Equal(t, WaitAllOk, s.State())
	require.NoError(t, s.HandleMessage(Message{Header: Header{Type: LockserverOK, FromNode: 3, FromIncarn: 1}}))

	require.Equal(t, ReadyLocked, s.State())
	node, ok := s.NodeWithLock()
	require.True(t, ok)
	require.Equal(t, exatypes.NodeID(2), node)

	last := tr.last()
	require.Equal(t, LockUpdateOtherNode, last.Header.Type)
	require.Equal(t, uint8(2), last.Header.ToNode)
}

func TestServerReadyUnlockedGrantsLockImmediately(t *testing.T) {
	tr := &recordingTransport{}
	s := NewServer(1, tr)
	s.NewMembership([]exatypes.NodeID{1}, true)
	require.NoError(t, s.HandleMessage(Message{Header: Header{Type: LockserverOK, FromNode: 1, FromIncarn: 0}}))
	require.Equal(t, ReadyLocked, s.State())

	require.NoError(t, s.HandleMessage(Message{Header: Header{Type: Unlock, FromNode: 1}}))
	require.Equal(t, ReadyUnlocked, s.State())

	require.NoError(t, s.HandleMessage(Message{Header: Header{Type: Lock, FromNode: 5}}))
	require.Equal(t, ReadyLocked, s.State())
	node, ok := s.NodeWithLock()
	require.True(t, ok)
	require.Equal(t, exatypes.NodeID(5), node)
	require.Equal(t, Locked, tr.last().Header.Type)
}

func TestServerReadyLockedQueuesAndGrantsFIFOOnUnlock(t *testing.T) {
	tr := &recordingTransport{}
	s := NewServer(1, tr)
	s.NewMembership([]exatypes.NodeID{1}, true)
	require.NoError(t, s.HandleMessage(Message{Header: Header{Type: LockserverOK, FromNode: 1, FromIncarn: 0}}))
	require.Equal(t, ReadyLocked, s.State())
	node, _ := s.NodeWithLock()
	require.Equal(t, exatypes.NodeID(1), node)

	require.NoError(t, s.HandleMessage(Message{Header: Header{Type: Lock, FromNode: 2}}))
	require.NoError(t, s.HandleMessage(Message{Header: Header{Type: Lock, FromNode: 3}}))
	require.Equal(t, ReadyLocked, s.State())

	require.NoError(t, s.HandleMessage(Message{Header: Header{Type: Unlock, FromNode: 1}}))
	require.Equal(t, ReadyLocked, s.State())
	node, _ = s.NodeWithLock()
	require.Equal(t, exatypes.NodeID(2), node)
	require.Equal(t, Locked, tr.last().Header.Type)
	require.Equal(t, uint8(2), tr.last().Header.ToNode)

	require.NoError(t, s.HandleMessage(Message{Header: Header{Type: Unlock, FromNode: 2}}))
	node, _ = s.NodeWithLock()
	require.Equal(t, exatypes.NodeID(3), node)

	require.NoError(t, s.HandleMessage(Message{Header: Header{Type: Unlock, FromNode: 3}}))
	require.Equal(t, ReadyUnlocked, s.State())
}

func TestServerRejectsUnlockFromNonOwner(t *testing.T) {
	tr := &recordingTransport{}
	s := NewServer(1, tr)
	s.NewMembership([]exatypes.NodeID{1}, true)
	require.NoError(t, s.HandleMessage(Message{Header: Header{Type: LockserverOK, FromNode: 1, FromIncarn: 0}}))

	err := s.HandleMessage(Message{Header: Header{Type: Unlock, FromNode: 99}})
	require.Error(t, err)
}

func TestServerStandbyRejectsAnyMessage(t *testing.T) {
	tr := &recordingTransport{}
	s := NewServer(1, tr)
	err := s.HandleMessage(Message{Header: Header{Type: Lock, FromNode: 1}})
	require.Error(t, err)
}

func TestServerNonElectedGoesStandby(t *testing.T) {
	tr := &recordingTransport{}
	s := NewServer(2, tr)
	s.NewMembership([]exatypes.NodeID{1, 2}, false)
	require.Equal(t, Standby, s.State())
}
