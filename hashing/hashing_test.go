package hashing

import (
	"testing"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"
)

func TestSumIsDeterministic(t *testing.T) {
	a := New(DomainBlock).WriteUint64(7).WriteString("x").Sum()
	b := New(DomainBlock).WriteUint64(7).WriteString("x").Sum()
	require.Equal(t, a, b)
}

func TestDomainSeparationPreventsCollision(t *testing.T) {
	a := New(DomainBlock).WriteUint64(1).Sum()
	b := New(DomainQC).WriteUint64(1).Sum()
	require.NotEqual(t, a, b)
}

func TestLengthPrefixPreventsConcatenationCollision(t *testing.T) {
	a := New(DomainTransaction).WriteString("a").WriteString("b").Sum()
	b := New(DomainTransaction).WriteString("ab").Sum()
	require.NotEqual(t, a, b, "length-prefixing must prevent concatenation ambiguity")
}

func TestSubstateAddressVariesByVersion(t *testing.T) {
	id := ids.GenerateTestID()
	a := SubstateAddress(id, 1)
	b := SubstateAddress(id, 2)
	require.NotEqual(t, a, b)
}

func TestSubstateAddressVariesBySubstateID(t *testing.T) {
	a := SubstateAddress(ids.GenerateTestID(), 1)
	b := SubstateAddress(ids.GenerateTestID(), 1)
	require.NotEqual(t, a, b)
}

func TestVoteChallengeVariesByDecisionTag(t *testing.T) {
	leaf := ids.GenerateTestID()
	block := ids.GenerateTestID()
	accept := VoteChallenge(leaf, block, 1)
	reject := VoteChallenge(leaf, block, 0)
	require.NotEqual(t, accept, reject)
	require.Len(t, accept, 32)
}
