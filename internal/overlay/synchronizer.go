package overlay

import (
	"fmt"
	"strings"

	"github.com/breeze-rmm/trafficmap/internal/logging"
	"github.com/breeze-rmm/trafficmap/internal/model"
)

var log = logging.L("overlay")

// Entry is the set of primitives drawn for one record.
type Entry struct {
	SourceMarker MarkerHandle
	DestMarker   MarkerHandle
	Line         LineHandle
}

// Result summarises one reconciliation pass.
type Result struct {
	Created   int
	Destroyed int
	Skipped   int
}

// Changed reports whether the pass touched the map.
func (r Result) Changed() bool {
	return r.Created > 0 || r.Destroyed > 0
}

// Synchronizer reconciles model snapshots against a MapHost. Entries are keyed
// by record id, so a record is drawn once for as long as it stays in the model.
// Not safe for concurrent use.
type Synchronizer struct {
	host    MapHost
	style   LineStyle
	entries map[model.RecordID]Entry
	// rejected holds records the host refused to draw; they are not retried
	// until they leave the model.
	rejected map[model.RecordID]struct{}
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithLineStyle overrides DefaultLineStyle.
func WithLineStyle(style LineStyle) Option {
	return func(s *Synchronizer) { s.style = style }
}

// NewSynchronizer creates a synchronizer that owns every primitive it places on host.
func NewSynchronizer(host MapHost, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		host:     host,
		style:    DefaultLineStyle,
		entries:  make(map[model.RecordID]Entry),
		rejected: make(map[model.RecordID]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Apply brings the drawn set in line with u. Evicted records lose their
// entries, new plottable records gain one, and everything else is untouched.
// A Replaced update tears the whole set down before rebuilding it.
func (s *Synchronizer) Apply(u model.Update) Result {
	var res Result

	if u.Replaced {
		res.Destroyed = s.Clear()
	} else {
		for _, id := range u.Evicted {
			delete(s.rejected, id)
			if e, ok := s.entries[id]; ok {
				s.destroy(e)
				delete(s.entries, id)
				res.Destroyed++
			}
		}
	}

	for _, r := range u.Snapshot.Records {
		if !r.Plottable() {
			continue
		}
		if _, ok := s.entries[r.ID]; ok {
			continue
		}
		if _, ok := s.rejected[r.ID]; ok {
			continue
		}

		e, err := s.create(r)
		if err != nil {
			log.Warn("record not drawn", logging.KeyRecordID, uint64(r.ID), logging.KeyError, err)
			s.rejected[r.ID] = struct{}{}
			res.Skipped++
			continue
		}
		s.entries[r.ID] = e
		res.Created++
	}

	if res.Changed() {
		log.Debug("overlay reconciled",
			"version", u.Snapshot.Version,
			"created", res.Created,
			"destroyed", res.Destroyed,
			"active", len(s.entries))
	}
	return res
}

// Clear destroys every entry and returns how many were removed.
func (s *Synchronizer) Clear() int {
	n := len(s.entries)
	for id, e := range s.entries {
		s.destroy(e)
		delete(s.entries, id)
	}
	clear(s.rejected)
	return n
}

// Len returns the number of drawn records.
func (s *Synchronizer) Len() int { return len(s.entries) }

// Entry returns the primitives drawn for id.
func (s *Synchronizer) Entry(id model.RecordID) (Entry, bool) {
	e, ok := s.entries[id]
	return e, ok
}

// create places the three primitives for r, rolling back the ones already
// placed if a later placement fails.
func (s *Synchronizer) create(r model.ConnectionRecord) (Entry, error) {
	src, err := s.host.PlaceMarker(*r.Source.Location, markerLabel("Source", r.Source))
	if err != nil {
		return Entry{}, fmt.Errorf("source marker: %w", err)
	}
	dst, err := s.host.PlaceMarker(*r.Dest.Location, markerLabel("Destination", r.Dest))
	if err != nil {
		s.host.RemoveMarker(src)
		return Entry{}, fmt.Errorf("destination marker: %w", err)
	}
	line, err := s.host.PlaceLine(*r.Source.Location, *r.Dest.Location, s.style)
	if err != nil {
		s.host.RemoveMarker(src)
		s.host.RemoveMarker(dst)
		return Entry{}, fmt.Errorf("line: %w", err)
	}
	return Entry{SourceMarker: src, DestMarker: dst, Line: line}, nil
}

func (s *Synchronizer) destroy(e Entry) {
	s.host.RemoveLine(e.Line)
	s.host.RemoveMarker(e.SourceMarker)
	s.host.RemoveMarker(e.DestMarker)
}

func markerLabel(role string, ep model.Endpoint) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s IP: %s", role, ep.IP)
	if ep.Port > 0 {
		fmt.Fprintf(&b, "\nPort: %d", ep.Port)
	}
	if loc := ep.Location; loc != nil && (loc.City != "" || loc.Country != "") {
		b.WriteString("\n")
		b.WriteString(strings.Trim(loc.City+", "+loc.Country, ", "))
	}
	return b.String()
}
