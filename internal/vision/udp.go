package vision

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/banshee-data/fieldpose/internal/estimator"
	"github.com/banshee-data/fieldpose/internal/monitoring"
)

// maxDatagram bounds one measurement datagram.
const maxDatagram = 2048

// Counters are the provider's packet statistics.
type Counters struct {
	Received  uint64 `json:"received"`
	Malformed uint64 `json:"malformed"`
	Rejected  uint64 `json:"rejected"`
}

type counters struct {
	received, malformed, rejected atomic.Uint64
}

func (c *counters) handle(dec *Decoder, data []byte, sink estimator.MeasurementSink) {
	c.received.Add(1)
	m, err := dec.Decode(data)
	if err != nil {
		c.malformed.Add(1)
		monitoring.Logf("vision: %v", err)
		return
	}
	if !sink.AddVisionMeasurement(m) {
		c.rejected.Add(1)
	}
}

func (c *counters) snapshot() Counters {
	return Counters{
		Received:  c.received.Load(),
		Malformed: c.malformed.Load(),
		Rejected:  c.rejected.Load(),
	}
}

// UDPProvider receives JSON datagrams on a UDP socket. It implements
// estimator.PoseProvider.
type UDPProvider struct {
	conn *net.UDPConn
	dec  *Decoder
	counters
}

// ListenUDP binds addr. The socket is closed when Run returns.
func ListenUDP(addr string, dec *Decoder) (*UDPProvider, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	return &UDPProvider{conn: conn, dec: dec}, nil
}

// Addr returns the bound address.
func (p *UDPProvider) Addr() net.Addr { return p.conn.LocalAddr() }

// Name implements estimator.PoseProvider.
func (p *UDPProvider) Name() string { return "udp:" + p.conn.LocalAddr().String() }

// Stats returns the packet counters.
func (p *UDPProvider) Stats() Counters { return p.snapshot() }

// Run implements estimator.PoseProvider.
func (p *UDPProvider) Run(ctx context.Context, sink estimator.MeasurementSink) error {
	defer p.conn.Close()
	monitoring.Logf("vision: UDP listener started on %s", p.conn.LocalAddr())

	buffer := make([]byte, maxDatagram)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// deadline lets the loop observe cancellation
		p.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, _, err := p.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("vision: UDP read: %w", err)
		}
		p.handle(p.dec, buffer[:n], sink)
	}
}
