package model

import (
	"fmt"
	"time"
)

// RecordID is the stable identity of a record, assigned by the Store on insertion.
type RecordID uint64

// Kind distinguishes connection events from bare packet observations.
type Kind string

const (
	KindConnection Kind = "connection"
	KindPacket     Kind = "packet"
)

// GeoPoint is a geographic location resolved for one endpoint.
type GeoPoint struct {
	Latitude  float64 `json:"latitude" msgpack:"latitude"`
	Longitude float64 `json:"longitude" msgpack:"longitude"`
	Country   string  `json:"country,omitempty" msgpack:"country,omitempty"`
	City      string  `json:"city,omitempty" msgpack:"city,omitempty"`
}

// Valid reports whether the point lies inside the WGS84 coordinate ranges.
func (p GeoPoint) Valid() bool {
	return p.Latitude >= -90 && p.Latitude <= 90 &&
		p.Longitude >= -180 && p.Longitude <= 180
}

func (p GeoPoint) String() string {
	return fmt.Sprintf("(%.4f, %.4f)", p.Latitude, p.Longitude)
}

// Endpoint is one side of an observed connection. Port 0 means unknown.
type Endpoint struct {
	IP       string    `json:"ip" msgpack:"ip"`
	Port     int       `json:"port,omitempty" msgpack:"port,omitempty"`
	Location *GeoPoint `json:"location,omitempty" msgpack:"location,omitempty"`
}

// ConnectionRecord is one observed connection or packet. Records are immutable
// once they have been inserted into a Store.
type ConnectionRecord struct {
	ID        RecordID  `json:"id" msgpack:"id"`
	Kind      Kind      `json:"kind" msgpack:"kind"`
	Source    Endpoint  `json:"source" msgpack:"source"`
	Dest      Endpoint  `json:"dest" msgpack:"dest"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
	Size      int       `json:"size,omitempty" msgpack:"size,omitempty"`
	Protocol  string    `json:"protocol,omitempty" msgpack:"protocol,omitempty"`
	SourceMAC string    `json:"sourceMac,omitempty" msgpack:"sourceMac,omitempty"`
	DestMAC   string    `json:"destMac,omitempty" msgpack:"destMac,omitempty"`
}

// Plottable reports whether both endpoints carry a location.
func (r ConnectionRecord) Plottable() bool {
	return r.Source.Location != nil && r.Dest.Location != nil
}
