package generation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/motoplan/motoplan/core"
)

func TestResolvePreferencesPrecedence(t *testing.T) {
	profile := completePrefs()
	overrides := &core.RidePreferences{
		Terrain:          strptr("gravel"),
		TypicalDurationH: f64ptr(4),
	}

	resolved := ResolvePreferences(profile, overrides)

	// Note overrides win where set.
	assert.Equal(t, "gravel", resolved.Terrain)
	assert.Equal(t, 4.0, resolved.DurationH)
	// The profile fills the rest.
	assert.Equal(t, "mountain passes", resolved.RoadType)
	assert.Equal(t, 250.0, resolved.DistanceKm)
}

func TestResolvePreferencesFallsBackToDefaults(t *testing.T) {
	resolved := ResolvePreferences(nil, nil)
	assert.Equal(t, defaultTerrain, resolved.Terrain)
	assert.Equal(t, defaultRoadType, resolved.RoadType)
	assert.Equal(t, defaultDurationH, resolved.DurationH)
	assert.Equal(t, defaultDistanceKm, resolved.DistanceKm)
}

func TestBuildPrompt(t *testing.T) {
	note := &core.Note{
		ID:      "n1",
		OwnerID: "u1",
		Title:   "Pyrenees crossing",
		Body:    "Three days from Biarritz to Girona, avoid motorways.",
		Overrides: &core.RidePreferences{
			Terrain: strptr("twisty tarmac"),
		},
	}

	prompt := BuildPrompt(note, completePrefs())

	assert.Contains(t, prompt.System, "FeatureCollection")
	assert.Contains(t, prompt.System, "[longitude, latitude]")
	assert.Contains(t, prompt.User, "Pyrenees crossing")
	assert.Contains(t, prompt.User, "avoid motorways")
	assert.Contains(t, prompt.User, "twisty tarmac")
	assert.Contains(t, prompt.User, "mountain passes")
	assert.True(t, strings.Contains(prompt.User, "6.0 hours"))
}
