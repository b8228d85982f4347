package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateAndSign(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	msg := []byte("hello muddle")
	sig := kp.Sign(msg)
	require.Len(t, sig, SignatureSize)

	require.NoError(t, Verify(kp.Address(), msg, sig))
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	msg := []byte("hello muddle")
	sig := kp.Sign(msg)

	err = Verify(kp.Address(), []byte("hello muddld"), sig)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyRejectsWrongSigner(t *testing.T) {
	kp1, err := Generate()
	require.NoError(t, err)
	kp2, err := Generate()
	require.NoError(t, err)

	msg := []byte("hello muddle")
	sig := kp1.Sign(msg)

	err = Verify(kp2.Address(), msg, sig)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestFromSeedDeterministic(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}
	kp1, err := FromSeed(seed)
	require.NoError(t, err)
	kp2, err := FromSeed(seed)
	require.NoError(t, err)

	require.Equal(t, kp1.Address(), kp2.Address())
}

func TestXorDistanceAndLeadingZeroBits(t *testing.T) {
	var a, b Address
	a[0] = 0b10000000
	b[0] = 0b00000000

	d := XorDistance(a, b)
	require.Equal(t, 0, LeadingZeroBits(d))

	a, b = Address{}, Address{}
	a[31] = 0x01
	d = XorDistance(a, b)
	require.Equal(t, 255, LeadingZeroBits(d))

	d = XorDistance(a, a)
	require.Equal(t, 256, LeadingZeroBits(d))
}

func TestAddressLess(t *testing.T) {
	var a, b Address
	a[0] = 1
	b[0] = 2
	require.True(t, a.Less(b))
	require.False(t, b.Less(a))
	require.False(t, a.Less(a))
}

func TestChainKeyPairSignVerify(t *testing.T) {
	kp, err := GenerateChainKeyPair()
	require.NoError(t, err)

	msg := []byte("manifest attestation")
	sig, err := kp.Sign(msg)
	require.NoError(t, err)
	require.Len(t, sig, SignatureSize)

	require.NoError(t, VerifyChainSignature(kp.PublicKeyCompressed(), msg, sig))
	require.Error(t, VerifyChainSignature(kp.PublicKeyCompressed(), []byte("tampered"), sig))
}
