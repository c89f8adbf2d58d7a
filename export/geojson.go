package export

import (
	"encoding/json"
	"fmt"

	"github.com/motoplan/motoplan/route"
)

// GeoJSON renders the document as a FeatureCollection literal mirroring
// the in-memory representation: property keys preserved, feature order
// preserved, floats in their shortest round-trip form. Parsing the
// output back yields a document equal to the input.
func GeoJSON(doc *route.Document) ([]byte, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode route document: %w", err)
	}
	return data, nil
}
