// Package prlock implements the C10 PR lock algorithm: a per-cluster
// distributed lock serializing SCSI persistent-reservation metadata
// updates, plus the incarnation-based stale/future message filter and
// emitter-sequence de-duplication spec §4.10 requires. Message types,
// FSM states and transitions are transcribed from
// original_source/target/iscsi/src/pr_lock_algo.c
// (algopr_lockserver/algopr_lockclient) and the wire header from spec
// §6.
package prlock

import (
	"encoding/binary"

	"github.com/exanodes/exanodes/internal/exaerr"
)

// MsgType is the PR algorithm's message type, numbered starting at 10
// exactly as ALGOPR_MESSAGE_LOCKSERVER_OK does in the original, so a
// captured wire trace's raw type values line up with this enum.
type MsgType uint32

const (
	LockserverOK MsgType = iota + 10
	PRCmd
	PRCmdDone
	Lock
	Locked
	Unlock
	LockUpdateOtherNode
)

func (t MsgType) Valid() bool { return t >= LockserverOK && t <= LockUpdateOtherNode }

func (t MsgType) String() string {
	switch t {
	case LockserverOK:
		return "LOCKSERVER_OK"
	case PRCmd:
		return "PR_CMD"
	case PRCmdDone:
		return "PR_CMD_DONE"
	case Lock:
		return "LOCK"
	case Locked:
		return "LOCKED"
	case Unlock:
		return "UNLOCK"
	case LockUpdateOtherNode:
		return "LOCK_UPDATE_OTHER_NODE"
	default:
		return "UNKNOWN"
	}
}

const headerSize = 20

// Header is the fixed 20-byte on-wire PR message header (spec §6):
// { type(4), from_server(1), from_node(1), to_server(1), to_node(1),
// emitter_seq(2), to_incarn(2), from_incarn(2), reserved(6) },
// little-endian.
type Header struct {
	Type       MsgType
	FromServer bool
	FromNode   uint8
	ToServer   bool
	ToNode     uint8
	EmitterSeq uint16
	ToIncarn   uint16
	FromIncarn uint16
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// MarshalBinary renders h as the 20-byte wire header.
func (h Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Type))
	buf[4] = boolByte(h.FromServer)
	buf[5] = h.FromNode
	buf[6] = boolByte(h.ToServer)
	buf[7] = h.ToNode
	binary.LittleEndian.PutUint16(buf[8:10], h.EmitterSeq)
	binary.LittleEndian.PutUint16(buf[10:12], h.ToIncarn)
	binary.LittleEndian.PutUint16(buf[12:14], h.FromIncarn)
	return buf, nil
}

// UnmarshalBinary parses a 20-byte wire header.
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) != headerSize {
		return exaerr.New(exaerr.Corruption, "PR header: want %d bytes, got %d", headerSize, len(buf))
	}
	t := MsgType(binary.LittleEndian.Uint32(buf[0:4]))
	if !t.Valid() {
		return exaerr.New(exaerr.Corruption, "PR header: invalid message type %d", t)
	}
	h.Type = t
	h.FromServer = buf[4] != 0
	h.FromNode = buf[5]
	h.ToServer = buf[6] != 0
	h.ToNode = buf[7]
	h.EmitterSeq = binary.LittleEndian.Uint16(buf[8:10])
	h.ToIncarn = binary.LittleEndian.Uint16(buf[10:12])
	h.FromIncarn = binary.LittleEndian.Uint16(buf[12:14])
	return nil
}

// Message is a header plus its optional payload (only PR_CMD carries
// one: the SCSI reservation metadata to apply remotely).
type Message struct {
	Header  Header
	Payload []byte
}

// Transport sends one message to whatever peer its header names.
// Implementations route by Header.ToServer/ToNode; length-framing the
// payload over the wire is the transport's concern, not this
// package's (spec §6: "length framed by the transport").
type Transport interface {
	Send(msg Message) error
}
