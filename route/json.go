package route

import (
	"encoding/json"
	"fmt"
)

// Wire representation: a GeoJSON FeatureCollection with foreign members
// kept under "properties" at both levels. Field order and property keys
// are preserved so the exported GeoJSON mirrors the in-memory document.

type geoGeometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

type geoFeature struct {
	Type       string          `json:"type"`
	Geometry   geoGeometry     `json:"geometry"`
	Properties json.RawMessage `json:"properties"`
}

type geoCollection struct {
	Type       string       `json:"type"`
	Properties Properties   `json:"properties"`
	Features   []geoFeature `json:"features"`
}

type segmentProps struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Day         int     `json:"day"`
	Segment     int     `json:"segment"`
	DistanceKm  float64 `json:"distance_km"`
	DurationH   float64 `json:"duration_h"`
}

type pointProps struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Day         int    `json:"day"`
	Kind        string `json:"kind"`
}

// MarshalJSON renders the document as a GeoJSON FeatureCollection.
func (d Document) MarshalJSON() ([]byte, error) {
	coll := geoCollection{
		Type:       "FeatureCollection",
		Properties: d.Properties,
		Features:   make([]geoFeature, 0, len(d.Features)),
	}

	for i, f := range d.Features {
		switch {
		case f.Segment != nil:
			coords, err := json.Marshal(f.Segment.Coordinates)
			if err != nil {
				return nil, err
			}
			props, err := json.Marshal(segmentProps{
				Name:        f.Segment.Name,
				Description: f.Segment.Description,
				Day:         f.Segment.Day,
				Segment:     f.Segment.Segment,
				DistanceKm:  f.Segment.DistanceKm,
				DurationH:   f.Segment.DurationH,
			})
			if err != nil {
				return nil, err
			}
			coll.Features = append(coll.Features, geoFeature{
				Type:       "Feature",
				Geometry:   geoGeometry{Type: "LineString", Coordinates: coords},
				Properties: props,
			})
		case f.Point != nil:
			coords, err := json.Marshal(f.Point.Coordinate)
			if err != nil {
				return nil, err
			}
			props, err := json.Marshal(pointProps{
				Name:        f.Point.Name,
				Description: f.Point.Description,
				Day:         f.Point.Day,
				Kind:        f.Point.Kind,
			})
			if err != nil {
				return nil, err
			}
			coll.Features = append(coll.Features, geoFeature{
				Type:       "Feature",
				Geometry:   geoGeometry{Type: "Point", Coordinates: coords},
				Properties: props,
			})
		default:
			return nil, fmt.Errorf("feature %d has neither segment nor point", i)
		}
	}

	return json.Marshal(coll)
}

// UnmarshalJSON parses a GeoJSON FeatureCollection back into a document.
func (d *Document) UnmarshalJSON(data []byte) error {
	var coll geoCollection
	if err := json.Unmarshal(data, &coll); err != nil {
		return err
	}
	if coll.Type != "FeatureCollection" {
		return fmt.Errorf("expected FeatureCollection, got %q", coll.Type)
	}

	doc := Document{Properties: coll.Properties}
	for i, f := range coll.Features {
		if f.Type != "Feature" {
			return fmt.Errorf("feature %d: expected type Feature, got %q", i, f.Type)
		}
		switch f.Geometry.Type {
		case "LineString":
			var coords []Coordinate
			if err := json.Unmarshal(f.Geometry.Coordinates, &coords); err != nil {
				return fmt.Errorf("feature %d: %w", i, err)
			}
			var props segmentProps
			if len(f.Properties) > 0 {
				if err := json.Unmarshal(f.Properties, &props); err != nil {
					return fmt.Errorf("feature %d properties: %w", i, err)
				}
			}
			doc.Features = append(doc.Features, Feature{Segment: &Segment{
				Coordinates: coords,
				Name:        props.Name,
				Description: props.Description,
				Day:         props.Day,
				Segment:     props.Segment,
				DistanceKm:  props.DistanceKm,
				DurationH:   props.DurationH,
			}})
		case "Point":
			var coord Coordinate
			if err := json.Unmarshal(f.Geometry.Coordinates, &coord); err != nil {
				return fmt.Errorf("feature %d: %w", i, err)
			}
			var props pointProps
			if len(f.Properties) > 0 {
				if err := json.Unmarshal(f.Properties, &props); err != nil {
					return fmt.Errorf("feature %d properties: %w", i, err)
				}
			}
			doc.Features = append(doc.Features, Feature{Point: &Point{
				Coordinate:  coord,
				Name:        props.Name,
				Description: props.Description,
				Day:         props.Day,
				Kind:        props.Kind,
			}})
		default:
			return fmt.Errorf("feature %d: unsupported geometry type %q", i, f.Geometry.Type)
		}
	}

	*d = doc
	return nil
}
