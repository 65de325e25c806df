package vision

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/fieldpose/internal/estimator"
	"github.com/banshee-data/fieldpose/internal/monitoring"
)

// PCAPConfig configures a capture replay.
type PCAPConfig struct {
	Path string
	// Port keeps only UDP datagrams to this destination port. Zero keeps
	// every UDP datagram.
	Port uint16
	// SpeedMultiplier paces replay against capture time: 1 is real time,
	// 2 twice as fast. Zero replays as fast as possible.
	SpeedMultiplier float64
}

// PCAPProvider replays vision datagrams from a pcap capture. It implements
// estimator.PoseProvider. Captures are usually recorded under a different
// epoch, so the decoder should set IgnoreTimestamp.
type PCAPProvider struct {
	cfg PCAPConfig
	dec *Decoder
	counters
}

// NewPCAPProvider returns a replay provider for cfg.Path.
func NewPCAPProvider(cfg PCAPConfig, dec *Decoder) *PCAPProvider {
	return &PCAPProvider{cfg: cfg, dec: dec}
}

// Name implements estimator.PoseProvider.
func (p *PCAPProvider) Name() string { return "pcap:" + filepath.Base(p.cfg.Path) }

// Stats returns the packet counters.
func (p *PCAPProvider) Stats() Counters { return p.snapshot() }

// Run replays the capture once and returns nil at end of file.
func (p *PCAPProvider) Run(ctx context.Context, sink estimator.MeasurementSink) error {
	f, err := os.Open(p.cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to open PCAP file %s: %w", p.cfg.Path, err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read PCAP header %s: %w", p.cfg.Path, err)
	}
	source := gopacket.NewPacketSource(r, r.LinkType())
	source.NoCopy = true

	var last time.Time
	count := 0
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("vision: PCAP replay stopping due to context cancellation (processed %d packets)", count)
			return ctx.Err()
		case packet, ok := <-source.Packets():
			if !ok || packet == nil {
				monitoring.Logf("vision: PCAP replay complete: %d packets", count)
				return nil
			}
			count++

			captured := packet.Metadata().Timestamp
			if err := p.pace(ctx, last, captured); err != nil {
				return err
			}
			last = captured

			udpLayer := packet.Layer(layers.LayerTypeUDP)
			if udpLayer == nil {
				continue
			}
			udp, ok := udpLayer.(*layers.UDP)
			if !ok || len(udp.Payload) == 0 {
				continue
			}
			if p.cfg.Port != 0 && uint16(udp.DstPort) != p.cfg.Port {
				continue
			}
			p.handle(p.dec, udp.Payload, sink)
		}
	}
}

func (p *PCAPProvider) pace(ctx context.Context, last, captured time.Time) error {
	if p.cfg.SpeedMultiplier <= 0 || last.IsZero() {
		return nil
	}
	delay := time.Duration(float64(captured.Sub(last)) / p.cfg.SpeedMultiplier)
	if delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
