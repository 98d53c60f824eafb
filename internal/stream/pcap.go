//go:build pcap
// +build pcap

package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/banshee-data/mindlink/internal/monitoring"
)

// ReplayPCAP feeds the UDP payloads on port from a capture file into src as
// if they had arrived on its socket. With realtime set, inter-packet gaps
// from the capture timestamps are reproduced.
func ReplayPCAP(ctx context.Context, path string, port int, src *UDPSource, realtime bool) error {
	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	defer handle.Close()

	filter := fmt.Sprintf("udp port %d", port)
	if err := handle.SetBPFFilter(filter); err != nil {
		return fmt.Errorf("failed to set BPF filter '%s': %w", filter, err)
	}

	packets := gopacket.NewPacketSource(handle, handle.LinkType()).Packets()
	var (
		count    int
		first    time.Time
		wall     = src.cfg.Clock.Now()
		rejected int
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkt := <-packets:
			if pkt == nil {
				monitoring.Logf("PCAP replay complete: %d datagrams, %d rejected", count, rejected)
				return nil
			}
			layer := pkt.Layer(layers.LayerTypeUDP)
			if layer == nil {
				continue
			}
			udp, ok := layer.(*layers.UDP)
			if !ok || len(udp.Payload) == 0 {
				continue
			}

			if realtime {
				ts := pkt.Metadata().Timestamp
				if first.IsZero() {
					first = ts
				}
				if wait := ts.Sub(first) - src.cfg.Clock.Since(wall); wait > 0 {
					src.cfg.Clock.Sleep(wait)
				}
			}

			count++
			if err := src.HandleDatagram(udp.Payload); err != nil {
				rejected++
			}
		}
	}
}
