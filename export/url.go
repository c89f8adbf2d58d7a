package export

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"

	"github.com/motoplan/motoplan/route"
)

// Provider point limits. Deployments may lower them via configuration;
// the exporter only needs the effective value.
const (
	MapyPointLimit   = 15
	GooglePointLimit = 25
)

// ErrTooManyPoints reports a route that cannot be encoded within the
// provider limit, which happens only when the limit is configured below
// the two endpoints a route URL always needs.
var ErrTooManyPoints = errors.New("route exceeds provider point limit")

// ErrRouteTooShort reports a flattened route with fewer than two
// distinct coordinates; a validated document never produces one.
var ErrRouteTooShort = errors.New("route has fewer than two distinct points")

// SamplePoints reduces coords to at most limit entries by uniform index
// sampling, always keeping the first and last coordinates. The sampled
// indexes are monotonic in the source: entry k maps to source index
// round(k*(n-1)/(m-1)).
func SamplePoints(coords []route.Coordinate, limit int) ([]route.Coordinate, error) {
	n := len(coords)
	if n < 2 {
		return nil, ErrRouteTooShort
	}
	if limit < 2 {
		return nil, ErrTooManyPoints
	}
	if n <= limit {
		out := make([]route.Coordinate, n)
		copy(out, coords)
		return out, nil
	}

	out := make([]route.Coordinate, limit)
	for k := 0; k < limit; k++ {
		idx := int(math.Round(float64(k) * float64(n-1) / float64(limit-1)))
		out[k] = coords[idx]
	}
	return out, nil
}

// MapyURL builds a Mapy.com route deep link. Mapy expects lon,lat
// ordering and semicolon-separated waypoints.
func MapyURL(doc *route.Document, limit, precision int) (string, error) {
	if limit <= 0 {
		limit = MapyPointLimit
	}
	pts, err := SamplePoints(doc.FlattenedTrack(), limit)
	if err != nil {
		return "", err
	}

	lonLat := func(c route.Coordinate) string {
		return formatCoord(c.Lon, precision) + "," + formatCoord(c.Lat, precision)
	}

	q := url.Values{}
	q.Set("start", lonLat(pts[0]))
	q.Set("end", lonLat(pts[len(pts)-1]))
	if len(pts) > 2 {
		middle := make([]string, 0, len(pts)-2)
		for _, c := range pts[1 : len(pts)-1] {
			middle = append(middle, lonLat(c))
		}
		q.Set("waypoints", strings.Join(middle, ";"))
	}
	q.Set("routeType", "car_fast")

	return "https://mapy.com/fnc/v1/route?" + q.Encode(), nil
}

// GoogleURL builds a Google Maps directions deep link. Google expects
// lat,lon ordering (the opposite of Mapy) and pipe-separated waypoints.
func GoogleURL(doc *route.Document, limit, precision int) (string, error) {
	if limit <= 0 {
		limit = GooglePointLimit
	}
	pts, err := SamplePoints(doc.FlattenedTrack(), limit)
	if err != nil {
		return "", err
	}

	latLon := func(c route.Coordinate) string {
		return formatCoord(c.Lat, precision) + "," + formatCoord(c.Lon, precision)
	}

	q := url.Values{}
	q.Set("api", "1")
	q.Set("origin", latLon(pts[0]))
	q.Set("destination", latLon(pts[len(pts)-1]))
	if len(pts) > 2 {
		middle := make([]string, 0, len(pts)-2)
		for _, c := range pts[1 : len(pts)-1] {
			middle = append(middle, latLon(c))
		}
		q.Set("waypoints", strings.Join(middle, "|"))
	}
	q.Set("travelmode", "driving")

	return "https://www.google.com/maps/dir/?" + q.Encode(), nil
}

// Filename derives a safe attachment filename from the itinerary title.
func Filename(title, ext string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	name := b.String()
	if name == "" {
		name = "itinerary"
	}
	return fmt.Sprintf("%s.%s", name, ext)
}
