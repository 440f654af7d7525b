// Package rdma implements the RDMA transport (component C3): per-connection
// queue pair, memory regions, the three-phase bootstrap handshake, and the
// credit-based WRITE_IMM data-path engine described in spec.md §4.4.
//
// The real ibverbs/RDMA-core binding isn't part of this module's go.mod —
// none of the retrieval pack carries a Go ibverbs crate, and fabricating one
// behind a replace directive would mean vendoring a fake. Instead the queue
// pair/memory-region surface this package needs is expressed as the HCA
// interface in hca.go; see DESIGN.md for the full justification. Everything
// above that line — the handshake state machine, the credit accounting, the
// WRITE_IMM bookkeeping — is real and is exactly what rdma_socket.rs
// implements.
package rdma

import (
	"encoding/binary"
	"fmt"
)

// Gid is an RDMA global identifier, 16 bytes, opaque to this package beyond
// being copied verbatim into/out of the wire format.
type Gid [16]byte

// Info is the record exchanged at handshake time (spec.md §3 "RDMAInfo",
// §6 bootstrap wire format). Size is fixed; any short read/write during
// exchange is fatal. The mutable members — Offset and Freespace, which track
// the peer's receive-buffer cursor as known locally, and the Sending flag —
// are only ever updated under the owning RDMADataSock's write lock.
type Info struct {
	RAddr     uint64
	RLen      uint32
	RKey      uint32
	QPNum     uint32
	LID       uint16
	Offset    uint32
	Freespace uint32
	GID       Gid
	Sending   bool
}

// Size is the fixed wire size of Info: 8+4+4+4+2+4+4+16+1 bytes.
const Size = 8 + 4 + 4 + 4 + 2 + 4 + 4 + 16 + 1

// Marshal writes the fixed-layout wire encoding of info into a new Size-byte
// slice, in the field order spec.md §6 documents.
func (info *Info) Marshal() []byte {
	b := make([]byte, Size)
	off := 0
	binary.LittleEndian.PutUint64(b[off:], info.RAddr)
	off += 8
	binary.LittleEndian.PutUint32(b[off:], info.RLen)
	off += 4
	binary.LittleEndian.PutUint32(b[off:], info.RKey)
	off += 4
	binary.LittleEndian.PutUint32(b[off:], info.QPNum)
	off += 4
	binary.LittleEndian.PutUint16(b[off:], info.LID)
	off += 2
	binary.LittleEndian.PutUint32(b[off:], info.Offset)
	off += 4
	binary.LittleEndian.PutUint32(b[off:], info.Freespace)
	off += 4
	copy(b[off:off+16], info.GID[:])
	off += 16
	if info.Sending {
		b[off] = 1
	}
	return b
}

// Unmarshal decodes a Size-byte wire encoding into info.
func (info *Info) Unmarshal(b []byte) error {
	if len(b) != Size {
		return fmt.Errorf("rdma: short RDMAInfo: got %d want %d bytes", len(b), Size)
	}
	off := 0
	info.RAddr = binary.LittleEndian.Uint64(b[off:])
	off += 8
	info.RLen = binary.LittleEndian.Uint32(b[off:])
	off += 4
	info.RKey = binary.LittleEndian.Uint32(b[off:])
	off += 4
	info.QPNum = binary.LittleEndian.Uint32(b[off:])
	off += 4
	info.LID = binary.LittleEndian.Uint16(b[off:])
	off += 2
	info.Offset = binary.LittleEndian.Uint32(b[off:])
	off += 4
	info.Freespace = binary.LittleEndian.Uint32(b[off:])
	off += 4
	copy(info.GID[:], b[off:off+16])
	off += 16
	info.Sending = b[off] != 0
	return nil
}

// ackData is the 8-byte little-endian ACK value exchanged after metadata and
// QP transition, per spec.md §4.4 step 2.
const ackData uint64 = 0x1234567890

func marshalAck() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, ackData)
	return b
}

func verifyAck(b []byte) error {
	if len(b) != 8 {
		return fmt.Errorf("rdma: short ack: got %d want 8 bytes", len(b))
	}
	if got := binary.LittleEndian.Uint64(b); got != ackData {
		return fmt.Errorf("rdma: bad ack value %#x", got)
	}
	return nil
}
