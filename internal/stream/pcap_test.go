//go:build pcap
// +build pcap

package stream

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mindlink/internal/sample"
	"github.com/banshee-data/mindlink/internal/timeutil"
)

type captured struct {
	port    int
	at      time.Duration
	payload []byte
}

// writeCapture writes Ethernet/IPv4/UDP frames carrying each payload to a
// pcap file and returns its path.
func writeCapture(t *testing.T, frames ...captured) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replay.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	for _, fr := range frames {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
			DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IPv4(10, 0, 0, 1),
			DstIP:    net.IPv4(10, 0, 0, 2),
		}
		udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(fr.port)}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(fr.payload)))

		b := buf.Bytes()
		ci := gopacket.CaptureInfo{Timestamp: epoch.Add(fr.at), CaptureLength: len(b), Length: len(b)}
		require.NoError(t, w.WritePacket(ci, b))
	}
	return path
}

func TestReplayPCAP(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	d := &drops{}
	src := NewUDPSource(UDPSourceConfig{Clock: clock, OnDrop: d.record})
	ctx := context.Background()

	announcements := writeCapture(t,
		captured{port: DefaultPort, payload: encode(t, announce("a", "eeg", "C3", "C4"))},
		captured{port: DefaultPort + 1, at: time.Millisecond, payload: encode(t, announce("b", "elsewhere", "Cz"))},
		captured{port: DefaultPort, at: 2 * time.Millisecond, payload: encode(t, &Packet{Kind: "bogus", SourceID: "a"})},
	)
	require.NoError(t, ReplayPCAP(ctx, announcements, DefaultPort, src, false))

	infos := src.List()
	require.Len(t, infos, 1, "other ports are filtered out")
	assert.Equal(t, "eeg", infos[0].Name)
	assert.Equal(t, []string{"C3", "C4"}, infos[0].Channels)
	assert.Equal(t, 1, d.get(DropMalformed))

	in, err := src.Open(ctx, infos[0])
	require.NoError(t, err)
	defer in.Close()

	chunks := writeCapture(t,
		captured{port: DefaultPort, payload: encode(t, chunkPacket("a", 0, []float32{1, 10}, []float32{2, 20}))},
		captured{port: DefaultPort, at: 100 * time.Millisecond, payload: encode(t, chunkPacket("a", 1, []float32{3, 30}))},
		captured{port: DefaultPort, at: 250 * time.Millisecond, payload: encode(t, chunkPacket("a", 2, []float32{4, 40}))},
	)
	require.NoError(t, ReplayPCAP(ctx, chunks, DefaultPort, src, true))

	c, err := in.Pull()
	require.NoError(t, err)
	assert.Equal(t, sample.Chunk{{1, 2, 3, 4}, {10, 20, 30, 40}}, c)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 150 * time.Millisecond}, clock.Sleeps(),
		"realtime replay reproduces capture gaps")
}

func TestReplayPCAPMissingFile(t *testing.T) {
	src := NewUDPSource(UDPSourceConfig{Clock: timeutil.NewMockClock(epoch)})
	err := ReplayPCAP(context.Background(), filepath.Join(t.TempDir(), "missing.pcap"), DefaultPort, src, false)
	assert.Error(t, err)
}

func TestReplayPCAPCancelled(t *testing.T) {
	src := NewUDPSource(UDPSourceConfig{Clock: timeutil.NewMockClock(epoch)})
	path := writeCapture(t, captured{port: DefaultPort, payload: encode(t, announce("a", "eeg", "C3"))})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ReplayPCAP(ctx, path, DefaultPort, src, false)
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
}
