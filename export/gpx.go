// Package export turns a validated Route Document into its wire
// artifacts: GPX 1.1 text, GeoJSON text, and Mapy.com / Google Maps
// quick-preview URLs. Everything here is a pure function over the
// document; no I/O, no shared state.
package export

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"sort"
	"strconv"

	"github.com/motoplan/motoplan/route"
)

// DefaultPrecision is the coordinate decimal precision (~0.1 m).
const DefaultPrecision = 6

func formatCoord(v float64, precision int) string {
	if precision <= 0 {
		precision = DefaultPrecision
	}
	return strconv.FormatFloat(v, 'f', precision, 64)
}

func escapeXML(s string) string {
	var buf bytes.Buffer
	// xml.EscapeText only fails on a failing writer; bytes.Buffer never does.
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

// GPX renders the document as a GPX 1.1 file: one <trk> per day, one
// <trkseg> per segment within the day, points of interest as <wpt>.
// Output is UTF-8 with a newline between major elements and carries no
// XML comments.
func GPX(doc *route.Document, precision int) []byte {
	var b bytes.Buffer

	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<gpx version="1.1" creator="motoplan" xmlns="http://www.topografix.com/GPX/1/1">` + "\n")

	b.WriteString("<metadata>\n")
	fmt.Fprintf(&b, "<name>%s</name>\n", escapeXML(doc.Properties.Title))
	fmt.Fprintf(&b, "<desc>%s</desc>\n", escapeXML(gpxDescription(doc.Properties)))
	b.WriteString("</metadata>\n")

	for _, pt := range doc.Points() {
		fmt.Fprintf(&b, `<wpt lat="%s" lon="%s">`,
			formatCoord(pt.Coordinate.Lat, precision),
			formatCoord(pt.Coordinate.Lon, precision))
		b.WriteString("\n")
		if pt.Name != "" {
			fmt.Fprintf(&b, "<name>%s</name>\n", escapeXML(pt.Name))
		}
		if pt.Description != "" {
			fmt.Fprintf(&b, "<desc>%s</desc>\n", escapeXML(pt.Description))
		}
		if pt.Kind != "" {
			fmt.Fprintf(&b, "<type>%s</type>\n", escapeXML(pt.Kind))
		}
		b.WriteString("</wpt>\n")
	}

	for _, day := range segmentDays(doc) {
		b.WriteString("<trk>\n")
		fmt.Fprintf(&b, "<name>%s</name>\n", escapeXML(fmt.Sprintf("%s - day %d", doc.Properties.Title, day)))
		for _, seg := range doc.Segments() {
			if seg.Day != day {
				continue
			}
			b.WriteString("<trkseg>\n")
			for _, c := range seg.Coordinates {
				fmt.Fprintf(&b, `<trkpt lat="%s" lon="%s"/>`,
					formatCoord(c.Lat, precision),
					formatCoord(c.Lon, precision))
				b.WriteString("\n")
			}
			b.WriteString("</trkseg>\n")
		}
		b.WriteString("</trk>\n")
	}

	b.WriteString("</gpx>\n")
	return b.Bytes()
}

func gpxDescription(p route.Properties) string {
	days := "day"
	if p.Days != 1 {
		days = "days"
	}
	return fmt.Sprintf("%s km, %s h, %d %s",
		strconv.FormatFloat(p.TotalDistanceKm, 'f', -1, 64),
		strconv.FormatFloat(p.TotalDurationH, 'f', -1, 64),
		p.Days, days)
}

// segmentDays returns the distinct days that carry segments, ascending.
func segmentDays(doc *route.Document) []int {
	seen := make(map[int]bool)
	var days []int
	for _, seg := range doc.Segments() {
		if !seen[seg.Day] {
			seen[seg.Day] = true
			days = append(days, seg.Day)
		}
	}
	sort.Ints(days)
	return days
}
