package decode

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breeze-rmm/trafficmap/internal/model"
)

var fixedNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newTestDecoder(opts ...Option) *Decoder {
	return New(append([]Option{WithNow(func() time.Time { return fixedNow })}, opts...)...)
}

type stubLocator map[string]model.GeoPoint

func (s stubLocator) Locate(ip string) (*model.GeoPoint, bool) {
	p, ok := s[ip]
	if !ok {
		return nil, false
	}
	return &p, true
}

func TestDecodePlottableConnection(t *testing.T) {
	frame := `{"type":"connection","source_ip":"1.1.1.1","dest_ip":"8.8.8.8","source_port":443,"dest_port":"53",
		"source_location":{"latitude":-33.86,"longitude":151.2,"country":"AU","city":"Sydney"},
		"dest_location":{"latitude":37.38,"longitude":-122.08,"country":"US","city":"Mountain View"},
		"timestamp":"2025-03-01T10:00:00Z","size":1500,"protocol":"tcp"}`

	ev, err := newTestDecoder().Decode([]byte(frame))
	require.NoError(t, err)

	pc, ok := ev.(PlottableConnection)
	require.True(t, ok, "got %T", ev)
	r := pc.Record
	assert.Equal(t, model.KindConnection, r.Kind)
	assert.Equal(t, "1.1.1.1", r.Source.IP)
	assert.Equal(t, 443, r.Source.Port)
	assert.Equal(t, 53, r.Dest.Port)
	assert.Equal(t, "Sydney", r.Source.Location.City)
	assert.Equal(t, -122.08, r.Dest.Location.Longitude)
	assert.Equal(t, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC), r.Timestamp)
	assert.Equal(t, 1500, r.Size)
}

func TestDecodePacketWithoutLocationIsRaw(t *testing.T) {
	ev, err := newTestDecoder().Decode([]byte(`{"type":"packet","source_ip":"10.0.0.2","dest_ip":"10.0.0.3","size":60,"source_mac":"aa:bb","dest_mac":"cc:dd"}`))
	require.NoError(t, err)

	rp, ok := ev.(RawPacket)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, model.KindPacket, rp.Record.Kind)
	assert.Equal(t, "aa:bb", rp.Record.SourceMAC)
	assert.Equal(t, fixedNow, rp.Record.Timestamp, "missing timestamp should default to receive time")
	assert.False(t, rp.Record.Plottable())
}

func TestDecodeConnectionWithOneLocationIsRaw(t *testing.T) {
	ev, err := newTestDecoder().Decode([]byte(`{"type":"connection","source_ip":"1.1.1.1","dest_ip":"8.8.8.8",
		"source_location":{"latitude":1,"longitude":2,"country":"X","city":"Y"}}`))
	require.NoError(t, err)
	assert.IsType(t, RawPacket{}, ev)
}

func TestDecodeConnectionTestIsControl(t *testing.T) {
	ev, err := newTestDecoder().Decode([]byte(`{"type":"connection_test"}`))
	require.NoError(t, err)
	assert.Equal(t, ControlMessage{Type: TypeConnectionTest}, ev)
}

func TestDecodeArrayIsFullState(t *testing.T) {
	frame := `[
		{"source":{"ip":"192.168.1.1","port":8080,"latitude":41.0082,"longitude":28.9784},
		 "destination":{"ip":"192.168.1.2","port":80,"latitude":39.9334,"longitude":32.8597}},
		{"type":"packet","source_ip":"10.0.0.1","dest_ip":"10.0.0.9"},
		{"type":"connection_test"},
		{"type":"bogus","source_ip":"1.2.3.4"},
		42
	]`

	ev, err := newTestDecoder().Decode([]byte(frame))
	require.NoError(t, err)

	fs, ok := ev.(FullState)
	require.True(t, ok, "got %T", ev)
	require.Len(t, fs.Records, 2)
	assert.Equal(t, 2, fs.Skipped)

	legacy := fs.Records[0]
	assert.True(t, legacy.Plottable())
	assert.Equal(t, "192.168.1.1", legacy.Source.IP)
	assert.Equal(t, 8080, legacy.Source.Port)
	assert.Equal(t, 32.8597, legacy.Dest.Location.Longitude)
}

func TestDecodeEpochTimestamps(t *testing.T) {
	d := newTestDecoder()

	ev, err := d.Decode([]byte(`{"source_ip":"1.1.1.1","dest_ip":"2.2.2.2","timestamp":1700000000.5}`))
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1700000000, 500000000).UTC(), ev.(RawPacket).Record.Timestamp)

	ev, err = d.Decode([]byte(`{"source_ip":"1.1.1.1","dest_ip":"2.2.2.2","timestamp":1700000000123}`))
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1700000000123).UTC(), ev.(RawPacket).Record.Timestamp)
}

func TestDecodeStringTimestamps(t *testing.T) {
	cases := []struct {
		name string
		ts   string
		want time.Time
	}{
		{"rfc3339 utc", `"2024-05-01T12:00:00Z"`, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		{"rfc3339 offset", `"2024-05-01T14:00:00+02:00"`, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		{"no zone", `"2024-05-01T12:00:00"`, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		{"no zone fractional", `"2024-05-01T12:00:00.123456"`, time.Date(2024, 5, 1, 12, 0, 0, 123456000, time.UTC)},
		{"space separator", `"2024-05-01 12:00:00Z"`, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		{"space separator no zone", `"2024-05-01 12:00:00.5"`, time.Date(2024, 5, 1, 12, 0, 0, 500000000, time.UTC)},
		{"compact offset", `"2024-05-01T12:00:00+0000"`, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		{"date only", `"2024-05-01"`, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)},
		{"epoch string", `"1700000000"`, time.Unix(1700000000, 0).UTC()},
		{"garbage", `"yesterday"`, fixedNow},
		{"object", `{"at":1}`, fixedNow},
		{"bool", `true`, fixedNow},
		{"null", `null`, fixedNow},
	}

	d := newTestDecoder()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := d.Decode([]byte(`{"source_ip":"1.1.1.1","dest_ip":"2.2.2.2","timestamp":` + tc.ts + `}`))
			require.NoError(t, err)
			got := ev.(RawPacket).Record.Timestamp
			assert.True(t, tc.want.Equal(got), "want %s, got %s", tc.want, got)
		})
	}
}

func TestDecodeEnrichesMissingLocations(t *testing.T) {
	loc := stubLocator{
		"1.1.1.1": {Latitude: 1, Longitude: 1, City: "A"},
		"8.8.8.8": {Latitude: 2, Longitude: 2, City: "B"},
	}
	ev, err := newTestDecoder(WithLocator(loc)).Decode([]byte(`{"type":"connection","source_ip":"1.1.1.1","dest_ip":"8.8.8.8"}`))
	require.NoError(t, err)

	pc, ok := ev.(PlottableConnection)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, "A", pc.Record.Source.Location.City)
	assert.Equal(t, "B", pc.Record.Dest.Location.City)
}

func TestDecodeFailures(t *testing.T) {
	cases := map[string]string{
		"empty":        "   ",
		"not json":     "hello",
		"broken json":  `{"type":`,
		"unknown type": `{"type":"telemetry","source_ip":"1.1.1.1"}`,
		"no endpoints": `{"type":"connection"}`,
		"bad port":     `{"source_ip":"1.1.1.1","source_port":70000}`,
		"bad array":    `[{"source_ip":`,
	}

	d := newTestDecoder()
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			ev, err := d.Decode([]byte(frame))
			require.Error(t, err)
			assert.Nil(t, ev)

			var de *DecodeError
			require.True(t, errors.As(err, &de), "want *DecodeError, got %T", err)
		})
	}
}

func TestUnknownTypeWrapsSentinel(t *testing.T) {
	_, err := newTestDecoder().Decode([]byte(`{"type":"telemetry","source_ip":"1.1.1.1"}`))
	assert.ErrorIs(t, err, ErrUnknownType)
}
