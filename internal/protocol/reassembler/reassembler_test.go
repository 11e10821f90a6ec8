package reassembler

import (
	"encoding/binary"
	"testing"

	"github.com/danmuck/uclink/internal/protocol/packet"
	"github.com/danmuck/uclink/internal/protocol/progress"
	"github.com/danmuck/uclink/internal/spool"
	"github.com/danmuck/uclink/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

var malformed = []byte{0xFF, 0x02, 0xAB, 0x00, 0x00}

func frame(t *testing.T, major packet.MajorKey, minor uint8, payload ...byte) []byte {
	t.Helper()
	b, err := packet.Encode(packet.Packet{Major: major, Minor: minor, Payload: payload}, packet.DefaultLimits())
	require.NoError(t, err)
	return b
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func sizeAnnounce(n uint32) packet.Packet {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, n)
	return packet.Packet{Major: packet.MajorTypeDataTransmit, Minor: packet.MinorStreamSize, Payload: b}
}

func TestFeedResyncsPastMalformedPrefix(t *testing.T) {
	testlog.Start(t)
	valid := frame(t, 4, 3, 0x10, 0x20)

	r := New(Config{}, nil)
	got := r.Feed(concat(malformed, valid))
	require.Len(t, got, 1)
	require.Equal(t, packet.MajorKey(4), got[0].Major)
	require.Equal(t, uint8(3), got[0].Minor)
	require.Equal(t, []byte{0x10, 0x20}, got[0].Payload)

	stats := r.Stats()
	require.Equal(t, uint64(1), stats.Decoded)
	require.Equal(t, uint64(len(malformed)), stats.DroppedBytes)
	require.Zero(t, stats.Staged)
}

func TestFeedResyncsAcrossByteByByteDelivery(t *testing.T) {
	testlog.Start(t)
	r := New(Config{}, nil)
	var got []packet.Packet
	for _, b := range concat(malformed, frame(t, 4, 3, 0x10, 0x20)) {
		got = append(got, r.Feed([]byte{b})...)
	}
	require.Len(t, got, 1)
	require.Equal(t, []byte{0x10, 0x20}, got[0].Payload)
}

func TestFeedDoesNotStallOnPlausibleGarbageLength(t *testing.T) {
	testlog.Start(t)
	r := New(Config{}, nil)
	// 0x00 0x09 looks like the start of a 12 byte frame.
	require.Empty(t, r.Feed(concat(malformed, []byte{0x09, 0x20})))
	require.Equal(t, 3, r.Stats().Staged)

	got := r.Feed(frame(t, 4, 3, 0x10, 0x20))
	require.Len(t, got, 1)
	require.Equal(t, packet.MajorKey(4), got[0].Major)
	require.Zero(t, r.Stats().Staged)
}

func TestFeedSplitsAndJoinsFrames(t *testing.T) {
	testlog.Start(t)
	a := frame(t, packet.MajorTypeIO, 1, 1, 2, 3)
	b := frame(t, packet.MajorTypeIO, 2)
	c := frame(t, packet.MajorTypeWelcome, 9, 0xff)
	stream := concat(a, b, c)

	r := New(Config{}, nil)
	got := r.Feed(stream[:len(a)+2])
	require.Len(t, got, 1)
	got = append(got, r.Feed(stream[len(a)+2:])...)
	require.Len(t, got, 3)
	require.Equal(t, uint8(2), got[1].Minor)
	require.Empty(t, got[1].Payload)
	require.Equal(t, packet.MajorTypeWelcome, got[2].Major)
	require.Zero(t, r.Stats().DroppedBytes)
}

func TestCorruptFrameIsNeverReturned(t *testing.T) {
	testlog.Start(t)
	bad := frame(t, packet.MajorTypeIO, 1, 0xAA, 0xBB)
	bad[4] ^= 0x01
	good := frame(t, packet.MajorTypeIO, 2, 0xCC)

	r := New(Config{}, nil)
	got := r.Feed(concat(bad, good))
	require.Len(t, got, 1)
	require.Equal(t, uint8(2), got[0].Minor)
	require.Positive(t, r.Stats().Invalid)
}

func TestStagingOverflowDropsFront(t *testing.T) {
	testlog.Start(t)
	r := New(Config{MaxStaging: 4}, nil)
	partial := frame(t, packet.MajorTypeIO, 1, 1, 2)[:5]
	require.Empty(t, r.Feed(partial))
	stats := r.Stats()
	require.Equal(t, uint64(1), stats.Overflows)
	require.Equal(t, 4, stats.Staged)
	require.Equal(t, uint64(1), stats.DroppedBytes)
}

func TestMinStaging(t *testing.T) {
	require.Equal(t, 36, MinStaging(packet.DefaultLimits()))
	require.Equal(t, packet.HeaderLen+packet.MaxDataLen, MinStaging(packet.Limits{}))
}

func TestAcceptTracksAnnouncedStream(t *testing.T) {
	testlog.Start(t)
	sink := spool.NewMemory()
	r := New(Config{}, sink)

	d, err := r.Accept(sizeAnnounce(5))
	require.NoError(t, err)
	require.True(t, d.Announce)
	require.True(t, d.HasReport)
	require.Equal(t, progress.Report{}, d.Report)
	require.True(t, r.Receiving())

	var percents []int
	for _, chunk := range [][]byte{{1, 2}, {3}, {4, 5}} {
		d, err = r.Accept(packet.Packet{Major: packet.MajorTypeDataTransmit, Minor: packet.MinorStreamData, Payload: chunk})
		require.NoError(t, err)
		require.True(t, d.HasReport)
		percents = append(percents, d.Report.Percent)
	}
	require.Equal(t, []int{40, 60, 100}, percents)
	require.True(t, d.Complete)
	require.Equal(t, progress.DoneLabel, d.Report.Label)
	require.False(t, r.Receiving())

	data, err := sink.ReadAll()
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4, 5}, data)
	require.Zero(t, r.Stats().Expected)

	// The next announce restarts the buffer.
	_, err = r.Accept(sizeAnnounce(2))
	require.NoError(t, err)
	require.Zero(t, sink.Size())
}

func TestAcceptUnknownLengthNeverReportsProgress(t *testing.T) {
	testlog.Start(t)
	r := New(Config{}, nil)
	d, err := r.Accept(sizeAnnounce(0))
	require.NoError(t, err)
	require.False(t, d.HasReport)

	d, err = r.Accept(packet.Packet{Major: packet.MajorTypeProgrammer, Minor: packet.MinorStreamData, Payload: []byte{9, 9, 9}})
	require.NoError(t, err)
	require.False(t, d.HasReport)
	require.Equal(t, int64(3), d.Received)
}

func TestAcceptRejectsBadInput(t *testing.T) {
	testlog.Start(t)
	r := New(Config{}, nil)
	_, err := r.Accept(packet.Packet{Major: packet.MajorTypeIO, Minor: 1})
	require.ErrorIs(t, err, ErrNotStream)
	_, err = r.Accept(packet.Packet{Major: packet.MajorTypeDataTransmit, Minor: packet.MinorStreamSize, Payload: []byte{1}})
	require.ErrorIs(t, err, ErrSizeAnnounce)

	custom := New(Config{StreamKeys: []packet.MajorKey{packet.MajorTypeIO}}, nil)
	require.True(t, custom.IsStream(packet.MajorTypeIO))
	require.False(t, custom.IsStream(packet.MajorTypeDataTransmit))
}

func TestResetAndAbort(t *testing.T) {
	testlog.Start(t)
	r := New(Config{}, nil)
	_, ok := r.Abort()
	require.False(t, ok)

	_, err := r.Accept(sizeAnnounce(10))
	require.NoError(t, err)
	_, err = r.Accept(packet.Packet{Major: packet.MajorTypeDataTransmit, Minor: packet.MinorStreamData, Payload: []byte{1, 2, 3}})
	require.NoError(t, err)
	snap, ok := r.Abort()
	require.True(t, ok)
	require.Equal(t, uint64(3), snap.Done)
	require.Equal(t, uint64(10), snap.Expected)
	require.False(t, r.Receiving())

	_, err = r.Accept(sizeAnnounce(10))
	require.NoError(t, err)
	r.Feed([]byte{byte(packet.MajorTypeIO), 0x04})
	require.True(t, r.Reset())
	stats := r.Stats()
	require.Zero(t, stats.Staged)
	require.Zero(t, stats.Received)
	require.False(t, r.Reset())
}

func TestResetReceiveKeepsStagedBytes(t *testing.T) {
	testlog.Start(t)
	r := New(Config{}, nil)
	_, err := r.Accept(sizeAnnounce(10))
	require.NoError(t, err)
	_, err = r.Accept(packet.Packet{Major: packet.MajorTypeDataTransmit, Minor: packet.MinorStreamData, Payload: []byte{1, 2}})
	require.NoError(t, err)

	io := frame(t, packet.MajorTypeIO, 1, 7, 7, 7)
	pkts := r.Feed(concat(frame(t, packet.MajorReset, 0), io[:3]))
	require.Len(t, pkts, 1)
	require.Equal(t, packet.MajorReset, pkts[0].Major)

	require.True(t, r.ResetReceive())
	stats := r.Stats()
	require.Equal(t, 3, stats.Staged)
	require.Zero(t, stats.Received)
	require.Zero(t, stats.Expected)
	require.False(t, r.Receiving())

	pkts = r.Feed(io[3:])
	require.Len(t, pkts, 1)
	require.Equal(t, []byte{7, 7, 7}, pkts[0].Payload)
	require.False(t, r.ResetReceive())
}
