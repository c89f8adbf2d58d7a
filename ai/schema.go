package ai

import (
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// routeDocumentSchema is the contract the model's JSON output must meet
// before it is decoded. Finer rules (segment ordering, touching
// segments, coordinate ranges) are enforced by route.Validate afterward;
// this gate rejects structurally broken output early with a precise
// location.
const routeDocumentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "properties", "features"],
  "properties": {
    "type": {"const": "FeatureCollection"},
    "properties": {
      "type": "object",
      "required": ["title", "total_distance_km", "total_duration_h", "days"],
      "properties": {
        "title": {"type": "string", "minLength": 1},
        "total_distance_km": {"type": "number"},
        "total_duration_h": {"type": "number"},
        "highlights": {"type": "array", "items": {"type": "string"}},
        "days": {"type": "integer", "minimum": 1}
      }
    },
    "features": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["type", "geometry", "properties"],
        "properties": {
          "type": {"const": "Feature"},
          "geometry": {
            "type": "object",
            "required": ["type", "coordinates"],
            "oneOf": [
              {
                "properties": {
                  "type": {"const": "LineString"},
                  "coordinates": {
                    "type": "array",
                    "minItems": 2,
                    "items": {
                      "type": "array",
                      "minItems": 2,
                      "maxItems": 3,
                      "items": {"type": "number"}
                    }
                  }
                }
              },
              {
                "properties": {
                  "type": {"const": "Point"},
                  "coordinates": {
                    "type": "array",
                    "minItems": 2,
                    "maxItems": 3,
                    "items": {"type": "number"}
                  }
                }
              }
            ]
          },
          "properties": {"type": "object"}
        }
      }
    }
  }
}`

var routeSchema = jsonschema.MustCompileString("route-document.schema.json", routeDocumentSchema)
