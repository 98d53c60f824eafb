package stream

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mindlink/internal/sample"
	"github.com/banshee-data/mindlink/internal/timeutil"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func encode(t *testing.T, p *Packet) []byte {
	t.Helper()
	b, err := Encode(p)
	require.NoError(t, err)
	return b
}

func announce(id, name string, labels ...string) *Packet {
	return &Packet{Kind: KindAnnounce, SourceID: id, Name: name, Type: TypeEEG, SampleRate: 500, ChannelCount: len(labels), Channels: labels}
}

func chunkPacket(id string, seq uint64, rows ...[]float32) *Packet {
	return &Packet{Kind: KindChunk, SourceID: id, Seq: seq, Rows: rows}
}

type drops struct {
	mu sync.Mutex
	n  map[string]int
}

func (d *drops) record(_, reason string, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.n == nil {
		d.n = map[string]int{}
	}
	d.n[reason] += n
}

func (d *drops) get(reason string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n[reason]
}

func TestPacketDecode(t *testing.T) {
	p := chunkPacket("src", 3, []float32{1, 2}, []float32{3, 4}, []float32{5, 6})
	got, err := Decode(encode(t, p))
	require.NoError(t, err)
	c, err := got.Chunk(2)
	require.NoError(t, err)
	assert.Equal(t, sample.Chunk{{1, 3, 5}, {2, 4, 6}}, c)
	assert.Equal(t, uint64(3), got.Seq)

	_, err = got.Chunk(3)
	assert.Error(t, err)

	_, err = Decode([]byte{0xc1})
	assert.Error(t, err)
	_, err = Decode(encode(t, &Packet{Kind: "bogus", SourceID: "x"}))
	assert.Error(t, err)
	_, err = Decode(encode(t, &Packet{Kind: KindAnnounce}))
	assert.Error(t, err)
}

func TestRowsFromChunk(t *testing.T) {
	rows := RowsFromChunk(sample.Chunk{{1, 2}, {3, 4}, {5, 6}})
	assert.Equal(t, [][]float32{{1, 3, 5}, {2, 4, 6}}, rows)
}

func TestUDPSourceDirectory(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	src := NewUDPSource(UDPSourceConfig{Clock: clock, StaleAfter: 2 * time.Second})
	ctx := context.Background()

	_, err := src.Resolve(ctx, "BrainVision RDA")
	assert.True(t, errors.Is(err, ErrSourceUnavailable))

	require.NoError(t, src.HandleDatagram(encode(t, announce("a", "BrainVision RDA", "Fp1", "Fp2"))))
	require.NoError(t, src.HandleDatagram(encode(t, announce("b", "Other"))))
	require.NoError(t, src.HandleDatagram(encode(t, &Packet{Kind: KindMarker, SourceID: "m", Name: "MI_Pred", Marker: "left"})))

	infos, err := src.Resolve(ctx, "BrainVision RDA")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, []string{"Fp1", "Fp2"}, infos[0].Channels)
	assert.Equal(t, 2, infos[0].ChannelCount)

	names := []string{}
	for _, i := range src.List() {
		names = append(names, i.Name+"/"+i.Type)
	}
	assert.Equal(t, []string{"BrainVision RDA/EEG", "MI_Pred/Markers", "Other/EEG"}, names)

	clock.Advance(3 * time.Second)
	_, err = src.Resolve(ctx, "BrainVision RDA")
	assert.True(t, errors.Is(err, ErrSourceUnavailable), "stale streams are hidden")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = src.Resolve(cancelled, "Other")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUDPInletOrderingAndLoss(t *testing.T) {
	d := &drops{}
	src := NewUDPSource(UDPSourceConfig{Clock: timeutil.NewMockClock(epoch), OnDrop: d.record, MaxPendingSamples: 6})
	ctx := context.Background()

	require.NoError(t, src.HandleDatagram(encode(t, announce("a", "eeg", "C3", "C4"))))
	// chunks before an inlet exists are ignored
	require.NoError(t, src.HandleDatagram(encode(t, chunkPacket("a", 0, []float32{9, 9}))))

	infos, err := src.Resolve(ctx, "eeg")
	require.NoError(t, err)
	in, err := src.Open(ctx, infos[0])
	require.NoError(t, err)
	_, err = src.Open(ctx, infos[0])
	assert.Error(t, err, "one inlet per stream")

	c, err := in.Pull()
	require.NoError(t, err)
	assert.True(t, c.Empty())

	require.NoError(t, src.HandleDatagram(encode(t, chunkPacket("a", 5, []float32{1, 10}, []float32{2, 20}))))
	require.NoError(t, src.HandleDatagram(encode(t, chunkPacket("a", 6, []float32{3, 30}))))
	require.NoError(t, src.HandleDatagram(encode(t, chunkPacket("a", 6, []float32{99, 99}))))
	require.NoError(t, src.HandleDatagram(encode(t, chunkPacket("a", 8, []float32{4, 40}))))
	assert.Error(t, src.HandleDatagram(encode(t, chunkPacket("a", 9, []float32{1, 2, 3}))))

	c, err = in.Pull()
	require.NoError(t, err)
	assert.Equal(t, sample.Chunk{{1, 2, 3, 4}, {10, 20, 30, 40}}, c)
	assert.Equal(t, 1, d.get(DropDuplicate))
	assert.Equal(t, 1, d.get(DropGap))
	assert.Equal(t, 1, d.get(DropMalformed))

	// overflow drops whole datagrams beyond the pending cap
	for seq := uint64(10); seq < 14; seq++ {
		require.NoError(t, src.HandleDatagram(encode(t, chunkPacket("a", seq, []float32{1, 1}, []float32{2, 2}))))
	}
	c, err = in.Pull()
	require.NoError(t, err)
	assert.Equal(t, 6, c.Len())
	assert.Equal(t, 1, d.get(DropOverflow))

	require.NoError(t, in.Close())
	_, err = in.Pull()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = src.Open(ctx, infos[0])
	assert.NoError(t, err, "closing frees the stream for a new inlet")
}

func TestUDPSourceListenWithMockSocket(t *testing.T) {
	sock := NewMockUDPSocket(
		encode(t, announce("a", "eeg", "Cz")),
	)
	src := NewUDPSource(UDPSourceConfig{Factory: &MockUDPSocketFactory{Socket: sock}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, src.Listen(ctx))

	var infos []Info
	require.Eventually(t, func() bool {
		var err error
		infos, err = src.Resolve(ctx, "eeg")
		return err == nil
	}, time.Second, time.Millisecond)

	in, err := src.Open(ctx, infos[0])
	require.NoError(t, err)
	sock.Queue(
		[]byte("garbage"),
		encode(t, chunkPacket("a", 0, []float32{1}, []float32{2})),
		encode(t, chunkPacket("a", 1, []float32{3})),
	)

	var got []float64
	require.Eventually(t, func() bool {
		c, err := in.Pull()
		if err != nil {
			return false
		}
		if !c.Empty() {
			got = append(got, c[0]...)
		}
		return len(got) == 3
	}, time.Second, time.Millisecond)
	assert.Equal(t, []float64{1, 2, 3}, got)

	require.NoError(t, src.Close())
	assert.True(t, sock.Closed())

	failing := NewUDPSource(UDPSourceConfig{Factory: &MockUDPSocketFactory{Err: errors.New("bind")}})
	assert.Error(t, failing.Listen(ctx))
}

func TestUDPLoopback(t *testing.T) {
	src := NewUDPSource(UDPSourceConfig{Address: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, src.Listen(ctx))
	defer src.Close()

	target := src.LocalAddr().(*net.UDPAddr).String()
	sender, err := NewUDPSender(target, Info{Name: "loop", Type: TypeEEG, SampleRate: 250, ChannelCount: 2, Channels: []string{"O1", "O2"}})
	require.NoError(t, err)
	defer sender.Close()

	var infos []Info
	require.Eventually(t, func() bool {
		if err := sender.Announce(); err != nil {
			return false
		}
		var err error
		infos, err = src.Resolve(ctx, "loop")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, sender.Info().SourceID, infos[0].SourceID)

	in, err := src.Open(ctx, infos[0])
	require.NoError(t, err)
	want := NewSynth(SimulateConfig{Channels: []string{"O1", "O2"}, SampleRate: 250, Seed: 1}).Next(40)
	require.NoError(t, sender.SendChunk(want))

	got := sample.Chunk{}
	require.Eventually(t, func() bool {
		c, err := in.Pull()
		if err != nil {
			return false
		}
		if got, err = sample.Concat(got, c); err != nil {
			return false
		}
		return got.Len() == 40
	}, 2*time.Second, 5*time.Millisecond)
	for ch := range want {
		for i := range want[ch] {
			assert.InDelta(t, want[ch][i], got[ch][i], 1e-3)
		}
	}

	outlet, err := NewUDPOutlet(target, "")
	require.NoError(t, err)
	defer outlet.Close()
	require.NoError(t, outlet.PushLabel("left"))
	require.Eventually(t, func() bool {
		infos, err := src.Resolve(ctx, DefaultOutletName)
		return err == nil && infos[0].Type == TypeMarkers
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSendChunkSplitsDatagrams(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	channels := make([]string, 20)
	for i := range channels {
		channels[i] = "ch"
	}
	sender, err := NewUDPSender(pc.LocalAddr().String(), Info{Name: "wide", ChannelCount: 20})
	require.NoError(t, err)
	defer sender.Close()

	c := NewSynth(SimulateConfig{Channels: channels, SampleRate: 1000}).Next(1000)
	require.NoError(t, sender.SendChunk(c))

	buf := make([]byte, MaxDatagramSize+1024)
	total := 0
	for seq := uint64(0); total < 1000; seq++ {
		require.NoError(t, pc.SetReadDeadline(time.Now().Add(2*time.Second)))
		n, _, err := pc.ReadFrom(buf)
		require.NoError(t, err)
		p, err := Decode(buf[:n])
		require.NoError(t, err)
		assert.Equal(t, seq, p.Seq)
		total += len(p.Rows)
	}
	assert.Equal(t, 1000, total)

	assert.Error(t, sender.SendChunk(sample.Chunk{{1}}))
}

func TestReadFixture(t *testing.T) {
	fx, err := ReadFixture(strings.NewReader("# recorded\nFp1, Fp2\n1,2\n3,4\n5,6\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Fp1", "Fp2"}, fx.Channels)
	if diff := cmp.Diff(sample.Chunk{{1, 3, 5}, {2, 4, 6}}, fx.Data); diff != "" {
		t.Errorf("fixture data (-want +got):\n%s", diff)
	}

	fx, err = ReadFixture(strings.NewReader("1,2,3\n4,5,6\n"))
	require.NoError(t, err)
	assert.Nil(t, fx.Channels)
	assert.Equal(t, 3, fx.Data.Channels())

	_, err = ReadFixture(strings.NewReader("a,b\n1,2\nx,3\n"))
	assert.Error(t, err)
	_, err = ReadFixture(strings.NewReader("a,b,c\n1,2\n"))
	assert.Error(t, err)
	_, err = ReadFixture(strings.NewReader("a,b\n"))
	assert.Error(t, err)
}

func TestFixtureSourcePacing(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	fx := &Fixture{Channels: []string{"Cz"}, Data: sample.Chunk{{0, 1, 2, 3, 4}}}
	ctx := context.Background()

	for _, loop := range []bool{false, true} {
		src, err := NewFixtureSource(fx, FixtureConfig{Name: "fx", SampleRate: 100, Loop: loop, Clock: clock})
		require.NoError(t, err)
		infos, err := src.Resolve(ctx, "fx")
		require.NoError(t, err)
		in, err := src.Open(ctx, infos[0])
		require.NoError(t, err)

		c, err := in.Pull()
		require.NoError(t, err)
		assert.True(t, c.Empty())

		clock.Advance(30 * time.Millisecond)
		c, err = in.Pull()
		require.NoError(t, err)
		assert.Equal(t, []float64{0, 1, 2}, c[0])

		clock.Advance(50 * time.Millisecond)
		c, err = in.Pull()
		require.NoError(t, err)
		if loop {
			assert.Equal(t, []float64{3, 4, 0, 1, 2}, c[0])
		} else {
			assert.Equal(t, []float64{3, 4}, c[0])
		}
		require.NoError(t, in.Close())
		_, err = in.Pull()
		assert.ErrorIs(t, err, ErrClosed)
	}

	_, err := NewFixtureSource(fx, FixtureConfig{Name: "fx"})
	assert.Error(t, err)
}

func TestSynthDeterministic(t *testing.T) {
	cfg := SimulateConfig{Channels: []string{"a", "b"}, SampleRate: 500, Noise: 1, Seed: 42}
	a := NewSynth(cfg).Next(100)
	b := NewSynth(cfg).Next(100)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a[0], a[1], "channels are phase shifted")
}

func TestMockSource(t *testing.T) {
	in := NewMockInlet(Info{Name: "eeg", SourceID: "1", ChannelCount: 1}, sample.Chunk{{1}})
	src := NewMockSource(in)
	src.HiddenFor = 2
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := src.Resolve(ctx, "eeg")
		assert.ErrorIs(t, err, ErrSourceUnavailable)
	}
	infos, err := src.Resolve(ctx, "eeg")
	require.NoError(t, err)
	got, err := src.Open(ctx, infos[0])
	require.NoError(t, err)

	drained := 0
	in.OnDrain = func() { drained++ }
	c, _ := got.Pull()
	assert.Equal(t, 1, c.Len())
	got.Pull()
	got.Pull()
	assert.Equal(t, 1, drained)
	assert.Equal(t, 3, in.Pulls())
}
