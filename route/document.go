// Package route defines the canonical in-memory representation of a
// completed itinerary and its validation rules. Every export format
// (GPX, GeoJSON, quick-preview URLs) derives from this document; the
// JSON form is a GeoJSON FeatureCollection and round-trips losslessly.
package route

import (
	"encoding/json"
	"fmt"
)

// Coordinate is a WGS84 position, longitude first as in GeoJSON.
type Coordinate struct {
	Lon float64
	Lat float64
}

// MarshalJSON encodes the coordinate as the GeoJSON [lon, lat] pair.
func (c Coordinate) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{c.Lon, c.Lat})
}

// UnmarshalJSON decodes a GeoJSON position. Extra members beyond the
// first two (altitude) are ignored.
func (c *Coordinate) UnmarshalJSON(data []byte) error {
	var raw []float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 2 {
		return fmt.Errorf("coordinate needs at least lon and lat, got %d members", len(raw))
	}
	c.Lon = raw[0]
	c.Lat = raw[1]
	return nil
}

// Properties are the aggregate itinerary properties.
type Properties struct {
	Title           string   `json:"title"`
	TotalDistanceKm float64  `json:"total_distance_km"`
	TotalDurationH  float64  `json:"total_duration_h"`
	Highlights      []string `json:"highlights"`
	Days            int      `json:"days"`
}

// Segment is one LineString ride leg.
type Segment struct {
	Coordinates []Coordinate
	Name        string
	Description string
	Day         int
	Segment     int
	DistanceKm  float64
	DurationH   float64
}

// Point is an annotated point of interest. It never contributes to GPX
// track geometry; it is emitted as a waypoint.
type Point struct {
	Coordinate  Coordinate
	Name        string
	Description string
	Day         int
	Kind        string
}

// Feature holds exactly one of Segment or Point, in document order.
type Feature struct {
	Segment *Segment
	Point   *Point
}

// Document is the canonical Route Document.
type Document struct {
	Properties Properties
	Features   []Feature
}

// Segments returns the LineString features in document order.
func (d *Document) Segments() []*Segment {
	var segs []*Segment
	for i := range d.Features {
		if d.Features[i].Segment != nil {
			segs = append(segs, d.Features[i].Segment)
		}
	}
	return segs
}

// Points returns the point-of-interest features in document order.
func (d *Document) Points() []*Point {
	var pts []*Point
	for i := range d.Features {
		if d.Features[i].Point != nil {
			pts = append(pts, d.Features[i].Point)
		}
	}
	return pts
}

// FlattenedTrack concatenates all segment coordinates in document order
// and drops adjacent duplicates (the last point of a segment commonly
// equals the first point of the next when they touch).
func (d *Document) FlattenedTrack() []Coordinate {
	var out []Coordinate
	for _, seg := range d.Segments() {
		for _, c := range seg.Coordinates {
			if len(out) > 0 && out[len(out)-1] == c {
				continue
			}
			out = append(out, c)
		}
	}
	return out
}

// Summary is the derived read-surface view of a document; note lists
// render it so no duplicate data is persisted.
type Summary struct {
	Title           string   `json:"title"`
	TotalDistanceKm float64  `json:"total_distance_km"`
	TotalDurationH  float64  `json:"total_duration_h"`
	Highlights      []string `json:"highlights"`
}

// Summarize extracts the summary from document properties.
func (d *Document) Summarize() Summary {
	return Summary{
		Title:           d.Properties.Title,
		TotalDistanceKm: d.Properties.TotalDistanceKm,
		TotalDurationH:  d.Properties.TotalDurationH,
		Highlights:      d.Properties.Highlights,
	}
}
