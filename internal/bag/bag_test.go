package bag

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/robolog/internal/channel"
	"example.com/robolog/internal/container"
	"example.com/robolog/internal/errs"
)

type testMsg struct {
	topic string
	ts    uint64
	data  string
}

const baseTime = 1_700_000_000_000_000_000

func writeTestBag(t *testing.T, path string, opts ...container.WriterOption) []testMsg {
	t.Helper()
	w, err := Create(path, opts...)
	require.NoError(t, err)

	odom, err := w.AddChannel("/odom", "nav_msgs/Odometry", Encoding,
		channel.WithSchema([]byte("Header header\n"), SchemaEncoding),
		channel.WithCallerID("/driver"),
		channel.WithMetadata(map[string]string{"md5sum": "cd5e73d190d741a2f92e81eda573aca7"}))
	require.NoError(t, err)
	tf, err := w.AddChannel("/tf", "tf2_msgs/TFMessage", Encoding,
		channel.WithSchema([]byte("geometry_msgs/TransformStamped[] transforms\n"), SchemaEncoding),
		channel.WithMetadata(map[string]string{"latching": "1"}))
	require.NoError(t, err)

	var msgs []testMsg
	for i := 0; i < 40; i++ {
		id, topic := odom, "/odom"
		if i%4 == 0 {
			id, topic = tf, "/tf"
		}
		m := testMsg{topic: topic, ts: baseTime + uint64(i)*1_000_000, data: fmt.Sprintf("msg-%02d", i)}
		require.NoError(t, w.WriteMessage(id, m.ts, []byte(m.data)))
		msgs = append(msgs, m)
	}
	require.NoError(t, w.Finish())
	return msgs
}

func readAll(t *testing.T, r *Reader) []container.Message {
	t.Helper()
	it, err := r.Messages()
	require.NoError(t, err)
	defer it.Close()
	var out []container.Message
	for {
		msg, err := it.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, msg)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, compression := range []string{"none", "lz4"} {
		t.Run(compression, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "rt.bag")
			want := writeTestBag(t, path, container.WithCompression(compression), container.WithChunkSize(200))

			r, err := Open(path)
			require.NoError(t, err)
			defer r.Close()

			sum := r.Summary()
			assert.True(t, sum.Indexed)
			assert.Equal(t, "bag", sum.FormatName)
			assert.Equal(t, uint64(len(want)), sum.MessageCount)
			assert.Equal(t, want[0].ts, sum.StartTime)
			assert.Equal(t, want[len(want)-1].ts, sum.EndTime)
			assert.Equal(t, 2, sum.ChannelCount)
			assert.Greater(t, sum.ChunkCount, 1)

			chans := r.Channels()
			require.Len(t, chans, 2)
			assert.Equal(t, "/odom", chans[0].Topic)
			assert.Equal(t, "nav_msgs/Odometry", chans[0].MessageType)
			assert.Equal(t, Encoding, chans[0].Encoding)
			assert.Equal(t, SchemaEncoding, chans[0].SchemaEncoding)
			assert.Equal(t, "Header header\n", string(chans[0].Schema))
			assert.Equal(t, "/driver", chans[0].CallerID)
			assert.Equal(t, "cd5e73d190d741a2f92e81eda573aca7", chans[0].Metadata["md5sum"])
			assert.Equal(t, uint64(30), chans[0].MessageCount)
			assert.Equal(t, uint64(10), chans[1].MessageCount)
			assert.Equal(t, "1", chans[1].Metadata["latching"])
			assert.Equal(t, "*", chans[1].Metadata["md5sum"])

			got := readAll(t, r)
			require.Len(t, got, len(want))
			for i, msg := range got {
				assert.Equal(t, want[i].topic, chans[msg.ChannelID].Topic)
				assert.Equal(t, want[i].ts, msg.Timestamp)
				assert.Equal(t, want[i].data, string(msg.Data))
			}
		})
	}
}

func TestMessagesIsRestartable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restart.bag")
	want := writeTestBag(t, path)
	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	first := readAll(t, r)
	require.Len(t, first, len(want))
	assert.Equal(t, first, readAll(t, r))
}

func TestDuplicateConnection(t *testing.T) {
	w, err := Create(filepath.Join(t.TempDir(), "dup.bag"))
	require.NoError(t, err)
	defer w.Close()

	_, err = w.AddChannel("/chatter", "std_msgs/String", Encoding)
	require.NoError(t, err)
	_, err = w.AddChannel("/chatter", "std_msgs/String", Encoding)
	assert.True(t, errs.Is(err, errs.DuplicateChannel))

	_, err = w.AddChannel("/chatter", "std_msgs/Header", Encoding)
	assert.NoError(t, err, "same topic with a different type is a separate connection")
}

func TestWriterLifecycleErrors(t *testing.T) {
	w, err := Create(filepath.Join(t.TempDir(), "life.bag"))
	require.NoError(t, err)
	id, err := w.AddChannel("/a", "std_msgs/Empty", Encoding)
	require.NoError(t, err)

	err = w.WriteMessage(id+5, 1, nil)
	assert.True(t, errs.Is(err, errs.UnknownChannel))

	require.NoError(t, w.WriteMessage(id, 1, []byte{}))
	require.NoError(t, w.Finish())

	assert.True(t, errs.Is(w.Finish(), errs.WriterClosed))
	assert.True(t, errs.Is(w.WriteMessage(id, 2, nil), errs.WriterClosed))
	_, err = w.AddChannel("/b", "std_msgs/Empty", Encoding)
	assert.True(t, errs.Is(err, errs.WriterClosed))
	assert.NoError(t, w.Close())
}

func TestUnsupportedWriteCompression(t *testing.T) {
	_, err := Create(filepath.Join(t.TempDir(), "x.bag"), container.WithCompression("bz2"))
	assert.True(t, errs.Is(err, errs.UnsupportedFormat))
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Open(filepath.Join(dir, "missing.bag"))
	assert.True(t, errs.Is(err, errs.NotFound))

	garbage := filepath.Join(dir, "garbage.bag")
	require.NoError(t, os.WriteFile(garbage, []byte("not a bag at all, just text"), 0o644))
	_, err = Open(garbage)
	assert.True(t, errs.Is(err, errs.MalformedContainer))

	wrongOp := filepath.Join(dir, "wrongop.bag")
	rec := appendRecord(append([]byte(nil), Magic...), newHeader().setOp(OpChunkInfo), nil)
	require.NoError(t, os.WriteFile(wrongOp, rec, 0o644))
	_, err = Open(wrongOp)
	assert.True(t, errs.Is(err, errs.MalformedContainer))

	truncated := filepath.Join(dir, "truncated.bag")
	full := append(append([]byte(nil), Magic...), bagHeader(0, 0, 0)...)
	require.NoError(t, os.WriteFile(truncated, full[:len(Magic)+100], 0o644))
	_, err = Open(truncated)
	assert.True(t, errs.Is(err, errs.MalformedContainer))
}

func TestFilesystemErrorsAreClassified(t *testing.T) {
	plain := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(plain, []byte("x"), 0o644))
	under := filepath.Join(plain, "x.bag")

	_, err := Open(under)
	assert.True(t, errs.Is(err, errs.IOFailure), "open: %v", err)
	assert.Equal(t, under, errs.ContextOf(err))

	_, err = Create(under)
	assert.True(t, errs.Is(err, errs.IOFailure), "create: %v", err)
	assert.Equal(t, under, errs.ContextOf(err))
}

func TestAbandonedBagIsScanned(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abandoned.bag")
	w, err := Create(path, container.WithChunkSize(64))
	require.NoError(t, err)
	id, err := w.AddChannel("/scan", "sensor_msgs/LaserScan", Encoding)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, w.WriteMessage(id, baseTime+uint64(i), []byte(fmt.Sprintf("scan-%d", i))))
	}
	require.NoError(t, w.Close())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	sum := r.Summary()
	assert.False(t, sum.Indexed)
	// Only flushed chunks survive.
	assert.Positive(t, sum.MessageCount)
	assert.LessOrEqual(t, sum.MessageCount, uint64(10))
	chans := r.Channels()
	require.Len(t, chans, 1)
	assert.Equal(t, "/scan", chans[0].Topic)
	assert.Equal(t, sum.MessageCount, chans[0].MessageCount)
	assert.Len(t, readAll(t, r), int(sum.MessageCount))
}

func TestTopLevelMessagesOutsideChunks(t *testing.T) {
	// Older writers may emit connection and message records outside chunks.
	path := filepath.Join(t.TempDir(), "flat.bag")
	b := append([]byte(nil), Magic...)
	b = append(b, bagHeader(0, 1, 0)...)
	b = connection{ID: 9, Topic: "/rosout", Type: "rosgraph_msgs/Log", MD5Sum: "*", Definition: "byte DEBUG=1\n"}.appendTo(b)
	b = appendMessageData(b, 9, 2_500_000_001, []byte("hello"))
	require.NoError(t, os.WriteFile(path, b, 0o644))

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	got := readAll(t, r)
	require.Len(t, got, 1)
	assert.Equal(t, uint32(0), got[0].ChannelID)
	assert.Equal(t, uint64(2_500_000_001), got[0].Timestamp)
	assert.Equal(t, "hello", string(got[0].Data))
	assert.Equal(t, "/rosout", r.Channels()[0].Topic)
}

func TestUndeclaredConnectionIsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orphan.bag")
	b := append([]byte(nil), Magic...)
	b = append(b, bagHeader(0, 0, 0)...)
	b = appendMessageData(b, 3, 1, []byte("x"))
	require.NoError(t, os.WriteFile(path, b, 0o644))

	_, err := Open(path)
	assert.True(t, errs.Is(err, errs.MalformedContainer))
}

func TestRecordCodecs(t *testing.T) {
	h := newHeader().setOp(OpMessageData).setU32("conn", 4).setTime("time", 3_000_000_007)
	rec := appendRecord(nil, h, []byte("data"))
	got, data, n, err := splitRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, len(rec), n)
	assert.Equal(t, "data", string(data))
	op, err := got.op()
	require.NoError(t, err)
	assert.Equal(t, OpMessageData, op)
	conn, err := got.u32("conn")
	require.NoError(t, err)
	assert.Equal(t, uint32(4), conn)
	ts, err := got.time("time")
	require.NoError(t, err)
	assert.Equal(t, uint64(3_000_000_007), ts)

	ci := chunkInfo{ChunkPos: 4117, StartTime: 5, EndTime: 1_000_000_009, Counts: map[uint32]uint32{2: 7, 0: 1}}
	h2, data2, _, err := splitRecord(ci.appendTo(nil))
	require.NoError(t, err)
	back, err := parseChunkInfo(h2, data2)
	require.NoError(t, err)
	assert.Equal(t, ci, back)

	assert.Len(t, bagHeader(123, 4, 5), bagHeaderRecordLen)

	_, _, _, err = splitRecord(rec[:len(rec)-1])
	assert.Error(t, err)
}

func openAndRead(path string) error {
	r, err := Open(path)
	if err != nil {
		return err
	}
	defer r.Close()
	it, err := r.Messages()
	if err != nil {
		return err
	}
	defer it.Close()
	for {
		if _, err := it.Next(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func TestChunkSizeIsChecked(t *testing.T) {
	inner := appendMessageData(nil, 0, baseTime, []byte("hello"))
	packed, err := compress("lz4", inner)
	require.NoError(t, err)

	cases := []struct {
		name        string
		compression string
		size        uint32
		data        []byte
	}{
		{"lz4 huge size", "lz4", 0xFFFFFFFF, []byte{0xde, 0xad, 0xbe, 0xef}},
		{"bz2 huge size", "bz2", 0xFFFFFFF0, []byte("BZh9garbage")},
		{"lz4 size too small", "lz4", uint32(len(inner) - 1), packed},
		{"lz4 size too large", "lz4", uint32(len(inner) + 64), packed},
		{"plain size mismatch", "none", uint32(len(inner) + 1), inner},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := append([]byte(nil), Magic...)
			b = append(b, bagHeader(0, 1, 1)...)
			b = connection{ID: 0, Topic: "/chatter", Type: "std_msgs/String", MD5Sum: "*", Definition: "string data\n"}.appendTo(b)
			h := newHeader().setOp(OpChunk).setString("compression", tc.compression).setU32("size", tc.size)
			b = appendRecord(b, h, tc.data)
			path := filepath.Join(t.TempDir(), "chunk.bag")
			require.NoError(t, os.WriteFile(path, b, 0o644))

			var err error
			require.NotPanics(t, func() { err = openAndRead(path) })
			assert.True(t, errs.Is(err, errs.MalformedContainer), "got %v", err)
		})
	}
}
