//go:build !pcap
// +build !pcap

package stream

import (
	"context"
	"fmt"
)

// ReplayPCAP is unavailable without the pcap build tag.
func ReplayPCAP(ctx context.Context, path string, port int, src *UDPSource, realtime bool) error {
	return fmt.Errorf("PCAP support not enabled: rebuild with -tags=pcap to replay captures")
}
