package transport

import (
	"testing"

	"github.com/shardrepl/core/cluster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	DocID string
	Body  string
}

func TestEncodeDecodeRoundTripV5_6(t *testing.T) {
	req := ConcreteShardRequest[testPayload]{
		TargetAllocationID: "alloc-1",
		PrimaryTerm:        7,
		Inner:              testPayload{DocID: "d1", Body: "b1"},
	}

	data, err := Encode(req, V5_6)
	require.NoError(t, err)

	got, err := Decode[testPayload](data, V5_6)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestEncodeDecodeRoundTripLegacyProtocol(t *testing.T) {
	legacy := ProtocolVersion(1)

	// Below V5_6 the envelope never carries a primaryTerm of its own; the
	// caller is responsible for folding it into the inner request.
	req := ConcreteShardRequest[testPayload]{
		TargetAllocationID: "alloc-2",
		PrimaryTerm:        0,
		Inner:              testPayload{DocID: "d2", Body: "b2"},
	}

	data, err := Encode(req, legacy)
	require.NoError(t, err)

	got, err := Decode[testPayload](data, legacy)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestEncodeOmitsPrimaryTermBelowV5_6(t *testing.T) {
	withTerm := ConcreteShardRequest[testPayload]{
		TargetAllocationID: "alloc-3",
		PrimaryTerm:        42,
		Inner:              testPayload{DocID: "d3", Body: "b3"},
	}

	data, err := Encode(withTerm, ProtocolVersion(1))
	require.NoError(t, err)

	got, err := Decode[testPayload](data, ProtocolVersion(1))
	require.NoError(t, err)
	assert.Equal(t, cluster.PrimaryTerm(0), got.PrimaryTerm, "legacy peers never see the envelope-level primary term")
	assert.Equal(t, withTerm.TargetAllocationID, got.TargetAllocationID)
	assert.Equal(t, withTerm.Inner, got.Inner)
}

func TestDecodeMalformedAllocationIdLength(t *testing.T) {
	_, err := Decode[testPayload](nil, V5_6)
	assert.Error(t, err)
}
