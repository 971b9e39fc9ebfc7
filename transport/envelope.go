// Package transport supplies the wire envelope around a domain request
// (ConcreteShardRequest) and a minimal in-process request/response bus
// standing in for the real inter-node transport layer, which is out of
// scope for this module (see SPEC_FULL.md section 1): sockets aren't
// reintroduced here, only the shape primary/replica actions dispatch
// through.
package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/shardrepl/core/cluster"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ProtocolVersion is the negotiated wire protocol version of a peer. V5_6
// is the threshold at which primaryTerm moves from the inner request onto
// the envelope itself.
type ProtocolVersion int

const V5_6 ProtocolVersion = 56

// ConcreteShardRequest wraps an inner domain request R with the
// targetAllocationID and primaryTerm every primary/replica RPC envelope
// carries. Both fields are validated against the receiver's current shard
// identity before R is ever looked at.
type ConcreteShardRequest[R any] struct {
	TargetAllocationID cluster.AllocationId
	PrimaryTerm        cluster.PrimaryTerm
	Inner              R
}

// Encode serializes req for a peer at the given protocol version. At V5_6
// or later, primaryTerm travels on the envelope as a varint ahead of the
// JSON-encoded inner request; on older peers the envelope carries no
// primary term and req.PrimaryTerm is dropped. Encode does not copy the
// term into the inner request and nothing here checks that R carries it;
// for a legacy peer, the term reaches the receiver only if R itself
// holds it.
func Encode[R any](req ConcreteShardRequest[R], peerVersion ProtocolVersion) ([]byte, error) {
	var buf bytes.Buffer

	idBytes := []byte(req.TargetAllocationID)
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(idBytes)))
	buf.Write(lenBuf[:n])
	buf.Write(idBytes)

	if peerVersion >= V5_6 {
		n = binary.PutUvarint(lenBuf[:], uint64(req.PrimaryTerm))
		buf.Write(lenBuf[:n])
	}

	innerBytes, err := json.Marshal(req.Inner)
	if err != nil {
		return nil, fmt.Errorf("encode inner request: %w", err)
	}
	buf.Write(innerBytes)
	return buf.Bytes(), nil
}

// Decode is the symmetric read path of Encode.
func Decode[R any](data []byte, peerVersion ProtocolVersion) (ConcreteShardRequest[R], error) {
	var out ConcreteShardRequest[R]

	idLen, n := binary.Uvarint(data)
	if n <= 0 {
		return out, fmt.Errorf("decode target allocation id length: malformed varint")
	}
	data = data[n:]
	if uint64(len(data)) < idLen {
		return out, fmt.Errorf("decode target allocation id: truncated")
	}
	out.TargetAllocationID = cluster.AllocationId(data[:idLen])
	data = data[idLen:]

	if peerVersion >= V5_6 {
		term, n := binary.Uvarint(data)
		if n <= 0 {
			return out, fmt.Errorf("decode primary term: malformed varint")
		}
		data = data[n:]
		out.PrimaryTerm = cluster.PrimaryTerm(term)
	}

	if err := json.Unmarshal(data, &out.Inner); err != nil {
		return out, fmt.Errorf("decode inner request: %w", err)
	}
	return out, nil
}
