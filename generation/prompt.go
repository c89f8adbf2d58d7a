package generation

import (
	"fmt"
	"strings"

	"github.com/motoplan/motoplan/ai"
	"github.com/motoplan/motoplan/core"
)

// Built-in fallbacks used when neither the note nor the rider profile
// pins a preference down.
const (
	defaultTerrain    = "mixed"
	defaultRoadType   = "scenic secondary roads"
	defaultDurationH  = 8.0
	defaultDistanceKm = 300.0
)

const systemPrompt = `You are a motorcycle touring planner. Plan a multi-day riding
itinerary from the rider's trip notes and preferences.

Respond with a single JSON object and nothing else. The object is a GeoJSON
FeatureCollection:
- top-level "properties" carries "title", "total_distance_km",
  "total_duration_h", "highlights" (array of strings) and "days" (integer)
- each riding leg is a Feature with a LineString geometry and properties
  "name", "description", "day" (1-based), "segment" (1-based within the day),
  "distance_km" and "duration_h"
- each point of interest is a Feature with a Point geometry and properties
  "name", "description", "day" and "kind"
- coordinates are [longitude, latitude] pairs
- within a day, each segment starts where the previous one ends`

// ResolvedPreferences is the effective preference set for one
// generation, after per-note overrides and the rider profile have been
// merged over the built-in fallbacks.
type ResolvedPreferences struct {
	Terrain    string
	RoadType   string
	DurationH  float64
	DistanceKm float64
}

// ResolvePreferences merges preferences field by field. Note overrides
// win over the profile, the profile wins over the fallbacks.
func ResolvePreferences(profile *core.RidePreferences, overrides *core.RidePreferences) ResolvedPreferences {
	resolved := ResolvedPreferences{
		Terrain:    defaultTerrain,
		RoadType:   defaultRoadType,
		DurationH:  defaultDurationH,
		DistanceKm: defaultDistanceKm,
	}
	for _, prefs := range []*core.RidePreferences{profile, overrides} {
		if prefs == nil {
			continue
		}
		if prefs.Terrain != nil {
			resolved.Terrain = *prefs.Terrain
		}
		if prefs.RoadType != nil {
			resolved.RoadType = *prefs.RoadType
		}
		if prefs.TypicalDurationH != nil {
			resolved.DurationH = *prefs.TypicalDurationH
		}
		if prefs.TypicalDistanceKm != nil {
			resolved.DistanceKm = *prefs.TypicalDistanceKm
		}
	}
	return resolved
}

// BuildPrompt assembles the generation prompt for a note.
func BuildPrompt(note *core.Note, profile *core.RidePreferences) ai.Prompt {
	resolved := ResolvePreferences(profile, note.Overrides)

	var b strings.Builder
	fmt.Fprintf(&b, "Trip notes titled %q:\n%s\n\n", note.Title, strings.TrimSpace(note.Body))
	b.WriteString("Rider preferences:\n")
	fmt.Fprintf(&b, "- terrain: %s\n", resolved.Terrain)
	fmt.Fprintf(&b, "- road type: %s\n", resolved.RoadType)
	fmt.Fprintf(&b, "- typical riding day: %.1f hours, about %.0f km\n", resolved.DurationH, resolved.DistanceKm)
	b.WriteString("\nPlan the itinerary now.")

	return ai.Prompt{
		System: systemPrompt,
		User:   b.String(),
	}
}
