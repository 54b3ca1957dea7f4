// Package model holds the typed NGSI-LD entities the control plane emits and
// consumes, together with the Property/Relationship wrappers of the NGSI-LD
// JSON form. It is also the single place where traffic-light identifiers are
// converted between their simulator-local form and their broker URN form.
package model

import (
	"fmt"
	"strings"
	"time"
)

// DefaultContext is the JSON-LD @context link attached to outgoing entities.
const DefaultContext = "https://raw.githubusercontent.com/smart-data-models/dataModel.Transportation/master/context.jsonld"

const urnPrefix = "urn:ngsi-ld:"

// Entity type names.
const (
	TypeTrafficLight             = "TrafficLight"
	TypeTrafficFlowObserved      = "TrafficFlowObserved"
	TypeAirQualityObserved       = "AirQualityObserved"
	TypeTrafficEnvironmentImpact = "TrafficEnvironmentImpact"
	TypeRoadSegment              = "RoadSegment"
)

// ForcePhaseNone is the quiescent forcePhase marker: no command pending.
// The broker disallows null property values, so the sentinel is -1.
const ForcePhaseNone = -1

// URN builds the broker identifier for an entity of the given type and
// simulator-local id. Calling it with an id that is already a URN is safe.
func URN(entityType, localID string) string {
	if strings.HasPrefix(localID, urnPrefix) {
		return localID
	}
	return urnPrefix + entityType + ":" + localID
}

// LocalID strips the URN prefix and type from a broker identifier, returning
// the simulator-local id. Non-URN input is returned unchanged.
func LocalID(id string) string {
	if !strings.HasPrefix(id, urnPrefix) {
		return id
	}
	rest := id[len(urnPrefix):]
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		return rest[i+1:]
	}
	return rest
}

// Property is a scalar NGSI-LD Property wrapper.
type Property struct {
	Type       string  `json:"type"`
	Value      float64 `json:"value"`
	ObservedAt string  `json:"observedAt,omitempty"`
}

// IntProperty is an integer-valued NGSI-LD Property wrapper.
type IntProperty struct {
	Type  string `json:"type"`
	Value int    `json:"value"`
}

// IntArrayProperty is an integer-array-valued NGSI-LD Property wrapper.
type IntArrayProperty struct {
	Type  string `json:"type"`
	Value []int  `json:"value"`
}

// TextProperty is a string-valued NGSI-LD Property wrapper.
type TextProperty struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// DateTimeProperty is an NGSI-LD Property whose value is a JSON-LD DateTime.
type DateTimeProperty struct {
	Type  string        `json:"type"`
	Value DateTimeValue `json:"value"`
}

// DateTimeValue is the JSON-LD typed value inside a DateTimeProperty.
type DateTimeValue struct {
	Type  string `json:"@type"`
	Value string `json:"@value"`
}

// Relationship is an NGSI-LD Relationship wrapper.
type Relationship struct {
	Type   string `json:"type"`
	Object string `json:"object"`
}

// GeoProperty is an NGSI-LD GeoProperty carrying a GeoJSON geometry.
type GeoProperty struct {
	Type  string       `json:"type"`
	Value PointGeometry `json:"value"`
}

// PointGeometry is a GeoJSON Point.
type PointGeometry struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

// NewProperty wraps a float value.
func NewProperty(v float64) *Property {
	return &Property{Type: "Property", Value: v}
}

// NewIntProperty wraps an integer value.
func NewIntProperty(v int) *IntProperty {
	return &IntProperty{Type: "Property", Value: v}
}

// NewIntArrayProperty wraps an integer slice.
func NewIntArrayProperty(v []int) *IntArrayProperty {
	return &IntArrayProperty{Type: "Property", Value: v}
}

// NewTextProperty wraps a string value.
func NewTextProperty(v string) *TextProperty {
	return &TextProperty{Type: "Property", Value: v}
}

// NewDateTimeProperty wraps a timestamp in the JSON-LD DateTime form.
func NewDateTimeProperty(t time.Time) *DateTimeProperty {
	return &DateTimeProperty{
		Type: "Property",
		Value: DateTimeValue{
			Type:  "DateTime",
			Value: t.UTC().Format(time.RFC3339),
		},
	}
}

// Time parses the wrapped timestamp. The zero time is returned when the
// property is absent or malformed.
func (p *DateTimeProperty) Time() time.Time {
	if p == nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, p.Value.Value)
	if err != nil {
		return time.Time{}
	}
	return t
}

// NewRelationship wraps a target entity URN.
func NewRelationship(object string) *Relationship {
	return &Relationship{Type: "Relationship", Object: object}
}

// NewGeoPointProperty wraps a longitude/latitude pair.
func NewGeoPointProperty(lon, lat float64) *GeoProperty {
	return &GeoProperty{
		Type:  "GeoProperty",
		Value: PointGeometry{Type: "Point", Coordinates: []float64{lon, lat}},
	}
}

// BaseEntity carries the fields common to every NGSI-LD entity.
type BaseEntity struct {
	ID      string   `json:"id"`
	Type    string   `json:"type"`
	Context []string `json:"@context,omitempty"`
}

// ErrSchemaInvalid reports an entity missing a required attribute or
// carrying an out-of-range value. Notifications carrying such entities are
// logged and dropped; the loop continues.
type ErrSchemaInvalid struct {
	EntityID string
	Reason   string
}

func (e *ErrSchemaInvalid) Error() string {
	return fmt.Sprintf("schema invalid for %s: %s", e.EntityID, e.Reason)
}
