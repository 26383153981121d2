package decode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/breeze-rmm/trafficmap/internal/logging"
	"github.com/breeze-rmm/trafficmap/internal/model"
)

var log = logging.L("decode")

// Locator resolves a location for an endpoint the producer left unlocated.
type Locator interface {
	Locate(ip string) (*model.GeoPoint, bool)
}

type wireLocation struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Country   string   `json:"country"`
	City      string   `json:"city"`
}

// wireEndpoint is the nested shape emitted by the capture backend:
// {"ip": ..., "port": ..., "latitude": ..., "longitude": ...}.
type wireEndpoint struct {
	IP string `json:"ip"`
	// Port is decoded leniently because some producers send it as a string.
	Port json.Number `json:"port"`
	wireLocation
}

type wireFrame struct {
	Type           string          `json:"type"`
	SourceIP       string          `json:"source_ip"`
	DestIP         string          `json:"dest_ip"`
	SourcePort     json.Number     `json:"source_port"`
	DestPort       json.Number     `json:"dest_port"`
	SourceLocation *wireLocation   `json:"source_location"`
	DestLocation   *wireLocation   `json:"dest_location"`
	Timestamp      json.RawMessage `json:"timestamp"`
	Size           int             `json:"size"`
	Protocol       string          `json:"protocol"`
	SourceMAC      string          `json:"source_mac"`
	DestMAC        string          `json:"dest_mac"`

	Source      *wireEndpoint `json:"source"`
	Destination *wireEndpoint `json:"destination"`
}

// Decoder turns raw frames into Events. It holds no per-frame state.
type Decoder struct {
	locator Locator
	now     func() time.Time
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithLocator enables enrichment of endpoints that arrive without a location.
func WithLocator(l Locator) Option {
	return func(d *Decoder) { d.locator = l }
}

// WithNow overrides the time source used for frames without a timestamp.
func WithNow(now func() time.Time) Option {
	return func(d *Decoder) { d.now = now }
}

// New creates a Decoder.
func New(opts ...Option) *Decoder {
	d := &Decoder{now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode parses one frame. An object yields a single event; a bare array
// yields FullState. Failures are always *DecodeError.
func (d *Decoder) Decode(raw []byte) (Event, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, newDecodeError(raw, "empty frame", nil)
	}

	switch trimmed[0] {
	case '[':
		return d.decodeArray(raw, trimmed)
	case '{':
		var f wireFrame
		if err := json.Unmarshal(trimmed, &f); err != nil {
			return nil, newDecodeError(raw, "malformed object", err)
		}
		return d.decodeFrame(raw, &f)
	default:
		return nil, newDecodeError(raw, "frame is neither an object nor an array", nil)
	}
}

func (d *Decoder) decodeArray(raw, trimmed []byte) (Event, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return nil, newDecodeError(raw, "malformed array", err)
	}

	state := FullState{Records: make([]model.ConnectionRecord, 0, len(elems))}
	for _, elem := range elems {
		var f wireFrame
		if err := json.Unmarshal(elem, &f); err != nil {
			state.Skipped++
			continue
		}
		ev, err := d.decodeFrame(elem, &f)
		if err != nil {
			state.Skipped++
			continue
		}
		switch e := ev.(type) {
		case PlottableConnection:
			state.Records = append(state.Records, e.Record)
		case RawPacket:
			state.Records = append(state.Records, e.Record)
		}
	}
	return state, nil
}

func (d *Decoder) decodeFrame(raw []byte, f *wireFrame) (Event, error) {
	kind := model.KindConnection
	switch strings.ToLower(f.Type) {
	case TypeConnectionTest:
		return ControlMessage{Type: TypeConnectionTest}, nil
	case TypePacket:
		kind = model.KindPacket
	case TypeConnection, "":
	default:
		return nil, newDecodeError(raw, fmt.Sprintf("type %q", f.Type), ErrUnknownType)
	}

	src, err := buildEndpoint(f.SourceIP, f.SourcePort, f.SourceLocation, f.Source)
	if err != nil {
		return nil, newDecodeError(raw, "source endpoint", err)
	}
	dst, err := buildEndpoint(f.DestIP, f.DestPort, f.DestLocation, f.Destination)
	if err != nil {
		return nil, newDecodeError(raw, "destination endpoint", err)
	}
	if src.IP == "" && dst.IP == "" {
		return nil, newDecodeError(raw, "no endpoints", nil)
	}

	ts := d.parseTimestamp(f.Timestamp)

	d.enrich(&src)
	d.enrich(&dst)

	rec := model.ConnectionRecord{
		Kind:      kind,
		Source:    src,
		Dest:      dst,
		Timestamp: ts,
		Size:      f.Size,
		Protocol:  f.Protocol,
		SourceMAC: f.SourceMAC,
		DestMAC:   f.DestMAC,
	}
	if rec.Plottable() {
		return PlottableConnection{Record: rec}, nil
	}
	return RawPacket{Record: rec}, nil
}

func buildEndpoint(ip string, port json.Number, loc *wireLocation, nested *wireEndpoint) (model.Endpoint, error) {
	if nested != nil {
		if ip == "" {
			ip = nested.IP
		}
		if port == "" {
			port = nested.Port
		}
		if loc == nil {
			loc = &nested.wireLocation
		}
	}

	ep := model.Endpoint{IP: ip, Location: loc.point()}
	if port != "" {
		p, err := strconv.Atoi(port.String())
		if err != nil || p < 0 || p > math.MaxUint16 {
			return ep, fmt.Errorf("invalid port %q", port)
		}
		ep.Port = p
	}
	return ep, nil
}

func (l *wireLocation) point() *model.GeoPoint {
	if l == nil || l.Latitude == nil || l.Longitude == nil {
		return nil
	}
	return &model.GeoPoint{
		Latitude:  *l.Latitude,
		Longitude: *l.Longitude,
		Country:   l.Country,
		City:      l.City,
	}
}

func (d *Decoder) enrich(ep *model.Endpoint) {
	if ep.Location != nil || ep.IP == "" || d.locator == nil {
		return
	}
	if p, ok := d.locator.Locate(ep.IP); ok {
		ep.Location = p
	}
}

// timestampLayouts are the ISO 8601 shapes producers are known to emit. A
// layout without a zone is read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
}

// parseTimestamp accepts ISO 8601 strings and epoch numbers. Numbers above
// 1e12 are taken as milliseconds, anything else as (fractional) seconds. A
// missing or unreadable timestamp becomes the receive time.
func (d *Decoder) parseTimestamp(raw json.RawMessage) time.Time {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return d.now()
	}

	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			log.Debug("timestamp not a string, using receive time", "timestamp", string(raw), logging.KeyError, err)
			return d.now()
		}
		text = strings.TrimSpace(text)
		for _, layout := range timestampLayouts {
			if t, err := time.ParseInLocation(layout, text, time.UTC); err == nil {
				return t
			}
		}
	}

	if f, err := strconv.ParseFloat(text, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return epoch(f)
	}
	log.Debug("unrecognised timestamp, using receive time", "timestamp", text)
	return d.now()
}

func epoch(v float64) time.Time {
	if v > 1e12 {
		return time.UnixMilli(int64(v)).UTC()
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}
