package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarintRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 127, 128, 300, 1 << 20, 1 << 40} {
		buf := AppendUvarint(nil, v)
		got, rest, err := TakeUvarint(buf)
		require.NoError(t, err)
		assert.Equal(t, v, got)
		assert.Empty(t, rest)
	}
}

func TestBytesRoundTrip(t *testing.T) {
	buf := AppendBytes(nil, []byte("delta"))
	buf = AppendString(buf, "note1")

	body, rest, err := TakeBytes(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("delta"), body)

	s, rest, err := TakeString(rest)
	require.NoError(t, err)
	assert.Equal(t, "note1", s)
	assert.Empty(t, rest)
}

func TestTakeBytesTruncated(t *testing.T) {
	buf := AppendBytes(nil, []byte("payload"))
	_, _, err := TakeBytes(buf[:3])
	assert.ErrorIs(t, err, ErrIncomplete)

	_, _, err = TakeUvarint(nil)
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestDecodeSync(t *testing.T) {
	msg, err := Decode(EncodeStep1([]byte("vv")))
	require.NoError(t, err)
	assert.Equal(t, uint64(TagSync), msg.Tag)
	assert.Equal(t, uint64(SyncStep1), msg.Sub)
	assert.Equal(t, []byte("vv"), msg.Body)

	msg, err = Decode(EncodeStep2([]byte("ops")))
	require.NoError(t, err)
	assert.Equal(t, uint64(SyncStep2), msg.Sub)
	assert.Equal(t, []byte("ops"), msg.Body)

	msg, err = Decode(EncodeUpdate([]byte("d1")))
	require.NoError(t, err)
	assert.Equal(t, uint64(SyncUpdate), msg.Sub)
	assert.Equal(t, []byte("d1"), msg.Body)
}

func TestDecodeAwarenessAndSwitch(t *testing.T) {
	msg, err := Decode(EncodeAwareness([]byte("presence")))
	require.NoError(t, err)
	assert.Equal(t, uint64(TagAwareness), msg.Tag)
	assert.Equal(t, []byte("presence"), msg.Body)

	msg, err = Decode(EncodeSwitch("noteB"))
	require.NoError(t, err)
	assert.Equal(t, uint64(TagSwitch), msg.Tag)
	assert.Equal(t, "noteB", msg.Doc)
}

func TestDecodeBadFrames(t *testing.T) {
	_, err := Decode(AppendUvarint(nil, 9))
	assert.ErrorIs(t, err, ErrBadTag)

	buf := AppendUvarint(nil, TagSync)
	buf = AppendUvarint(buf, 7)
	buf = AppendBytes(buf, nil)
	_, err = Decode(buf)
	assert.ErrorIs(t, err, ErrBadFrame)

	_, err = Decode(nil)
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestAwarenessBlobRoundTrip(t *testing.T) {
	entries := []AwarenessEntry{
		{ClientID: 7, State: []byte(`{"cursor":4}`)},
		{ClientID: 12, State: nil}, // removal
	}
	blob := EncodeAwarenessBlob(entries)
	got, err := DecodeAwarenessBlob(blob)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(7), got[0].ClientID)
	assert.Equal(t, []byte(`{"cursor":4}`), got[0].State)
	assert.Equal(t, uint64(12), got[1].ClientID)
	assert.Empty(t, got[1].State)

	_, err = DecodeAwarenessBlob([]byte{5})
	assert.Error(t, err)
}

func TestAwarenessBlobHostileCount(t *testing.T) {
	// a declared entry count far beyond the blob's bytes must fail
	// cleanly instead of sizing an allocation
	_, err := DecodeAwarenessBlob(AppendUvarint(nil, 1<<61))
	assert.ErrorIs(t, err, ErrBadFrame)

	blob := AppendUvarint(nil, 1<<32)
	blob = append(blob, []byte("short")...)
	_, err = DecodeAwarenessBlob(blob)
	assert.ErrorIs(t, err, ErrBadFrame)
}
