package packet

import (
	"testing"

	"github.com/muddlenet/muddle/identity"
	"github.com/stretchr/testify/require"
)

func newTestPacket(t *testing.T, payload []byte) (*Packet, *identity.KeyPair) {
	t.Helper()
	kp, err := identity.Generate()
	require.NoError(t, err)
	target, err := identity.Generate()
	require.NoError(t, err)

	p := New(1920, 101, kp.Address(), payload)
	p.Target = target.Address()
	p.Flags = FlagDirect
	p.NetworkID = NetworkIDFromString("test")
	return p, kp
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p, kp := newTestPacket(t, []byte("hello world"))
	p.Sign(kp)

	data, err := p.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)

	require.Equal(t, p.Version, decoded.Version)
	require.Equal(t, p.Flags, decoded.Flags)
	require.Equal(t, p.Service, decoded.Service)
	require.Equal(t, p.Channel, decoded.Channel)
	require.Equal(t, p.MessageNumber, decoded.MessageNumber)
	require.Equal(t, p.TTL, decoded.TTL)
	require.Equal(t, p.NetworkID, decoded.NetworkID)
	require.Equal(t, p.Sender, decoded.Sender)
	require.Equal(t, p.Target, decoded.Target)
	require.Equal(t, p.Payload, decoded.Payload)
	require.Equal(t, p.Signature, decoded.Signature)

	require.NoError(t, decoded.Verify())
}

func TestSignVerifyTamperDetection(t *testing.T) {
	p, kp := newTestPacket(t, []byte("payload"))
	p.Sign(kp)
	require.NoError(t, p.Verify())

	// Flip a header byte.
	tampered := *p
	tampered.TTL ^= 0xFF
	require.ErrorIs(t, tampered.Verify(), ErrBadSignature)

	// Flip a payload byte.
	tampered2 := *p
	tampered2.Payload = append([]byte(nil), p.Payload...)
	tampered2.Payload[0] ^= 0xFF
	require.ErrorIs(t, tampered2.Verify(), ErrBadSignature)
}

func TestDecodeRejectsTruncated(t *testing.T) {
	p, kp := newTestPacket(t, []byte("abc"))
	p.Sign(kp)
	data, err := p.Encode()
	require.NoError(t, err)

	_, err = Decode(data[:len(data)-1])
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	p, kp := newTestPacket(t, []byte("abc"))
	p.Sign(kp)
	data, err := p.Encode()
	require.NoError(t, err)

	// Corrupt the declared payload length field.
	data[82] = 0xFF
	_, err = Decode(data)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestPayloadSizeBoundary(t *testing.T) {
	maxPayload := make([]byte, MaxPayloadSize)
	p, kp := newTestPacket(t, maxPayload)
	p.Sign(kp)
	_, err := p.Encode()
	require.NoError(t, err)

	overPayload := make([]byte, MaxPayloadSize+1)
	p2, _ := newTestPacket(t, overPayload)
	_, err = p2.Encode()
	require.ErrorIs(t, err, ErrPayloadTooBig)
}

func TestTTLBoundary(t *testing.T) {
	p, kp := newTestPacket(t, []byte("x"))
	p.TTL = 1
	p.Sign(kp)
	require.NoError(t, p.Verify())
	require.Equal(t, uint8(1), p.TTL)
}

func TestCloneIsIndependent(t *testing.T) {
	p, kp := newTestPacket(t, []byte("abc"))
	p.Sign(kp)

	clone := p.Clone()
	clone.Payload[0] = 'X'
	require.NotEqual(t, p.Payload[0], clone.Payload[0])
}
