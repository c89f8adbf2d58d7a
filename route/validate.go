package route

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidDocument is wrapped by every validation failure.
var ErrInvalidDocument = errors.New("invalid route document")

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidDocument, fmt.Sprintf(format, args...))
}

func validCoordinate(c Coordinate) error {
	if math.IsNaN(c.Lon) || math.IsInf(c.Lon, 0) || math.IsNaN(c.Lat) || math.IsInf(c.Lat, 0) {
		return fmt.Errorf("coordinate is not finite")
	}
	if c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("longitude %v out of [-180, 180]", c.Lon)
	}
	if c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("latitude %v out of [-90, 90]", c.Lat)
	}
	return nil
}

// Validate checks every Route Document invariant. It is applied to
// model output before a job may complete and assumed to hold by all
// exporters.
func (d *Document) Validate() error {
	if d.Properties.Title == "" {
		return invalidf("title is empty")
	}
	if d.Properties.TotalDistanceKm <= 0 || d.Properties.TotalDurationH <= 0 {
		return invalidf("total distance and duration must be positive")
	}
	if d.Properties.Days < 1 {
		return invalidf("days must be >= 1")
	}

	segs := d.Segments()
	if len(segs) == 0 {
		return invalidf("document has no route segments")
	}

	var prev *Segment
	for i, seg := range segs {
		if seg.Day < 1 {
			return invalidf("segment %d: day %d must be >= 1", i, seg.Day)
		}
		if seg.Segment < 1 {
			return invalidf("segment %d: segment number %d must be >= 1", i, seg.Segment)
		}
		if len(seg.Coordinates) < 2 {
			return invalidf("segment %d: needs at least 2 coordinates, has %d", i, len(seg.Coordinates))
		}
		if seg.DistanceKm <= 0 || seg.DurationH <= 0 {
			return invalidf("segment %d: distance and duration must be positive", i)
		}
		for j, c := range seg.Coordinates {
			if err := validCoordinate(c); err != nil {
				return invalidf("segment %d coordinate %d: %v", i, j, err)
			}
		}

		if prev != nil {
			// Ordering: (day asc, segment asc).
			if seg.Day < prev.Day || (seg.Day == prev.Day && seg.Segment <= prev.Segment) {
				return invalidf("segment %d: out of (day, segment) order", i)
			}
			// Segments within a day must touch; the route may only
			// skip between days.
			if seg.Day == prev.Day {
				last := prev.Coordinates[len(prev.Coordinates)-1]
				if seg.Coordinates[0] != last {
					return invalidf("segment %d: does not start where segment %d ends on day %d", i, i-1, seg.Day)
				}
			}
		}
		prev = seg
	}

	for i, pt := range d.Points() {
		if pt.Day < 1 {
			return invalidf("point %d: day %d must be >= 1", i, pt.Day)
		}
		if err := validCoordinate(pt.Coordinate); err != nil {
			return invalidf("point %d: %v", i, err)
		}
	}

	return nil
}
