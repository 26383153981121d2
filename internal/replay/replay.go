// Package replay turns packets from a capture file into stream frames so an
// offline capture can drive the same pipeline as the live collector.
package replay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/breeze-rmm/trafficmap/internal/decode"
	"github.com/breeze-rmm/trafficmap/internal/logging"
)

var log = logging.L("replay")

var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// ErrNotIPv4 and ErrNoTransport are returned by Frame for packets that are skipped.
var (
	ErrNotIPv4     = errors.New("not an IPv4 packet")
	ErrNoTransport = errors.New("not a TCP or UDP packet")
)

// Stats summarises one replay.
type Stats struct {
	Packets int
	Frames  int
	Skipped int
}

// frame mirrors the flat object the live collector sends.
type frame struct {
	Type       string `json:"type"`
	SourceIP   string `json:"source_ip"`
	DestIP     string `json:"dest_ip"`
	SourcePort uint16 `json:"source_port"`
	DestPort   uint16 `json:"dest_port"`
	Protocol   string `json:"protocol"`
	Size       int    `json:"size"`
	SourceMAC  string `json:"source_mac,omitempty"`
	DestMAC    string `json:"dest_mac,omitempty"`
	Timestamp  string `json:"timestamp"`
}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Player reads a capture and hands one frame per usable packet to a sink.
type Player struct {
	limit int
}

type Option func(*Player)

// WithLimit stops after n frames. Zero means no limit.
func WithLimit(n int) Option {
	return func(p *Player) { p.limit = n }
}

func NewPlayer(opts ...Option) *Player {
	p := &Player{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PlayFile opens path and calls Play.
func (p *Player) PlayFile(ctx context.Context, path string, sink func([]byte)) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stats{}, fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()
	return p.Play(ctx, f, sink)
}

// Play reads a pcap or pcapng stream and delivers frames to sink in capture
// order. It stops at EOF, at the frame limit, or when ctx is cancelled.
func (p *Player) Play(ctx context.Context, r io.Reader, sink func([]byte)) (Stats, error) {
	var st Stats

	pr, err := newPacketReader(r)
	if err != nil {
		return st, err
	}
	log.Info("replay started", "linkType", pr.LinkType().String())

	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		if p.limit > 0 && st.Frames >= p.limit {
			break
		}

		data, ci, err := pr.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return st, fmt.Errorf("read packet %d: %w", st.Packets+1, err)
		}
		st.Packets++

		pkt := gopacket.NewPacket(data, pr.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		pkt.Metadata().CaptureInfo = ci

		raw, err := Frame(pkt)
		if err != nil {
			st.Skipped++
			continue
		}
		sink(raw)
		st.Frames++
	}

	log.Info("replay finished", "packets", st.Packets, "frames", st.Frames, "skipped", st.Skipped)
	return st, nil
}

func newPacketReader(r io.Reader) (packetReader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("read capture header: %w", err)
	}
	if bytes.Equal(magic, pcapngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("open pcapng: %w", err)
		}
		return ng, nil
	}
	pr, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("open pcap: %w", err)
	}
	return pr, nil
}

// Frame encodes an IPv4 TCP or UDP packet as a "packet" frame.
func Frame(pkt gopacket.Packet) ([]byte, error) {
	ipLayer, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return nil, ErrNotIPv4
	}

	f := frame{
		Type:     decode.TypePacket,
		SourceIP: ipLayer.SrcIP.String(),
		DestIP:   ipLayer.DstIP.String(),
		Size:     pkt.Metadata().Length,
	}
	if f.Size == 0 {
		f.Size = len(pkt.Data())
	}

	switch {
	case pkt.Layer(layers.LayerTypeTCP) != nil:
		tcp := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		f.SourcePort, f.DestPort = uint16(tcp.SrcPort), uint16(tcp.DstPort)
		f.Protocol = "tcp"
	case pkt.Layer(layers.LayerTypeUDP) != nil:
		udp := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		f.SourcePort, f.DestPort = uint16(udp.SrcPort), uint16(udp.DstPort)
		f.Protocol = "udp"
	default:
		return nil, ErrNoTransport
	}

	if eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet); ok {
		f.SourceMAC = eth.SrcMAC.String()
		f.DestMAC = eth.DstMAC.String()
	}

	ts := pkt.Metadata().Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	f.Timestamp = ts.UTC().Format(time.RFC3339Nano)

	return json.Marshal(f)
}
