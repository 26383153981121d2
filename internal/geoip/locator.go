// Package geoip resolves endpoint locations from a MaxMind-format database.
package geoip

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/oschwald/maxminddb-golang"

	"github.com/breeze-rmm/trafficmap/internal/logging"
	"github.com/breeze-rmm/trafficmap/internal/model"
)

var log = logging.L("geoip")

// cityRecord is the subset of a GeoLite2/GeoIP2 City entry we read.
type cityRecord struct {
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Country struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
	Location struct {
		Latitude  *float64 `maxminddb:"latitude"`
		Longitude *float64 `maxminddb:"longitude"`
	} `maxminddb:"location"`
}

type lookuper interface {
	Lookup(ip net.IP, result any) error
	Close() error
}

// Locator looks up routable IPv4 addresses. It is safe for concurrent use.
type Locator struct {
	db lookuper

	hits   atomic.Uint64
	misses atomic.Uint64
}

// Open memory-maps the database at path.
func Open(path string) (*Locator, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database %s: %w", path, err)
	}
	log.Info("geoip database loaded",
		"path", path,
		"type", db.Metadata.DatabaseType,
		"build", db.Metadata.BuildEpoch,
	)
	return &Locator{db: db}, nil
}

// FromBytes builds a locator from an in-memory database image.
func FromBytes(b []byte) (*Locator, error) {
	db, err := maxminddb.FromBytes(b)
	if err != nil {
		return nil, fmt.Errorf("load geoip database: %w", err)
	}
	return &Locator{db: db}, nil
}

// Locate returns the location of ip. Private, loopback and other
// non-routable addresses are never looked up.
func (l *Locator) Locate(ip string) (*model.GeoPoint, bool) {
	parsed := net.ParseIP(ip)
	if !IsRoutable(parsed) {
		return nil, false
	}

	var rec cityRecord
	if err := l.db.Lookup(parsed, &rec); err != nil {
		log.Debug("lookup failed", "ip", ip, logging.KeyError, err)
		l.misses.Add(1)
		return nil, false
	}
	if rec.Location.Latitude == nil || rec.Location.Longitude == nil {
		l.misses.Add(1)
		return nil, false
	}

	p := &model.GeoPoint{
		Latitude:  *rec.Location.Latitude,
		Longitude: *rec.Location.Longitude,
		City:      rec.City.Names["en"],
		Country:   rec.Country.ISOCode,
	}
	if p.Country == "" {
		p.Country = rec.Country.Names["en"]
	}
	if !p.Valid() {
		l.misses.Add(1)
		return nil, false
	}
	l.hits.Add(1)
	return p, true
}

// Stats returns the number of successful and failed lookups.
func (l *Locator) Stats() (hits, misses uint64) {
	return l.hits.Load(), l.misses.Load()
}

func (l *Locator) Close() error {
	return l.db.Close()
}

// IsRoutable reports whether ip is a public IPv4 unicast address.
func IsRoutable(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	switch {
	case v4.IsPrivate(), v4.IsLoopback(), v4.IsUnspecified(),
		v4.IsLinkLocalUnicast(), v4.IsMulticast(), v4.Equal(net.IPv4bcast):
		return false
	}
	return true
}
