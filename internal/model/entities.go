package model

import "time"

// TrafficLight is the signal-controller entity. The IoT agent owns
// currentPhase; the AI agent is the only writer of forcePhase.
type TrafficLight struct {
	BaseEntity
	CurrentPhase   *IntProperty  `json:"currentPhase,omitempty"`
	ForcePhase     *IntProperty  `json:"forcePhase,omitempty"`
	RefRoadSegment *Relationship `json:"refRoadSegment,omitempty"`
	Location       *GeoProperty  `json:"location,omitempty"`
}

// NewTrafficLight builds a TrafficLight entity for a simulator-local TLS id.
func NewTrafficLight(localID string) *TrafficLight {
	return &TrafficLight{
		BaseEntity: BaseEntity{
			ID:      URN(TypeTrafficLight, localID),
			Type:    TypeTrafficLight,
			Context: []string{DefaultContext},
		},
	}
}

// Validate checks the forcePhase and currentPhase ranges against the phase
// count of the signal program.
func (t *TrafficLight) Validate(numPhases int) error {
	if t.CurrentPhase != nil && (t.CurrentPhase.Value < 0 || t.CurrentPhase.Value >= numPhases) {
		return &ErrSchemaInvalid{EntityID: t.ID, Reason: "currentPhase out of range"}
	}
	if t.ForcePhase != nil && t.ForcePhase.Value != ForcePhaseNone &&
		(t.ForcePhase.Value < 0 || t.ForcePhase.Value >= numPhases) {
		return &ErrSchemaInvalid{EntityID: t.ID, Reason: "forcePhase out of range"}
	}
	return nil
}

// TrafficFlowObserved is the per-step flow observation for one TLS.
type TrafficFlowObserved struct {
	BaseEntity
	Queues       *IntArrayProperty `json:"queues,omitempty"`
	Phase        *IntProperty      `json:"phase,omitempty"`
	VehicleCount *IntProperty      `json:"vehicleCount,omitempty"`
	AverageSpeed *Property         `json:"averageSpeed,omitempty"`
	DateObserved *DateTimeProperty `json:"dateObserved,omitempty"`
}

// NewTrafficFlowObserved builds a flow observation for a TLS.
func NewTrafficFlowObserved(localID string, queues []int, phase, vehicles int, avgSpeed float64, observed time.Time) *TrafficFlowObserved {
	return &TrafficFlowObserved{
		BaseEntity: BaseEntity{
			ID:      URN(TypeTrafficFlowObserved, localID),
			Type:    TypeTrafficFlowObserved,
			Context: []string{DefaultContext},
		},
		Queues:       NewIntArrayProperty(queues),
		Phase:        NewIntProperty(phase),
		VehicleCount: NewIntProperty(vehicles),
		AverageSpeed: NewProperty(avgSpeed),
		DateObserved: NewDateTimeProperty(observed),
	}
}

// Validate checks the observation against the detector layout.
func (f *TrafficFlowObserved) Validate(numDetectors int) error {
	if f.Queues == nil || len(f.Queues.Value) != numDetectors {
		return &ErrSchemaInvalid{EntityID: f.ID, Reason: "queues missing or wrong length"}
	}
	for _, q := range f.Queues.Value {
		if q < 0 {
			return &ErrSchemaInvalid{EntityID: f.ID, Reason: "negative queue count"}
		}
	}
	if f.Phase == nil {
		return &ErrSchemaInvalid{EntityID: f.ID, Reason: "phase missing"}
	}
	if f.VehicleCount != nil && f.VehicleCount.Value < 0 {
		return &ErrSchemaInvalid{EntityID: f.ID, Reason: "negative vehicleCount"}
	}
	if f.AverageSpeed != nil && f.AverageSpeed.Value < 0 {
		return &ErrSchemaInvalid{EntityID: f.ID, Reason: "negative averageSpeed"}
	}
	return nil
}

// AirQualityObserved is the per-step PM2.5 observation over the controlled
// edge set.
type AirQualityObserved struct {
	BaseEntity
	PM25         *Property         `json:"pm25,omitempty"`
	DateObserved *DateTimeProperty `json:"dateObserved,omitempty"`
}

// NewAirQualityObserved builds an air-quality observation.
func NewAirQualityObserved(localID string, pm25 float64, observed time.Time) *AirQualityObserved {
	return &AirQualityObserved{
		BaseEntity: BaseEntity{
			ID:      URN(TypeAirQualityObserved, localID),
			Type:    TypeAirQualityObserved,
			Context: []string{DefaultContext},
		},
		PM25:         NewProperty(pm25),
		DateObserved: NewDateTimeProperty(observed),
	}
}

// Validate checks the PM2.5 reading.
func (a *AirQualityObserved) Validate() error {
	if a.PM25 == nil {
		return &ErrSchemaInvalid{EntityID: a.ID, Reason: "pm25 missing"}
	}
	if a.PM25.Value < 0 {
		return &ErrSchemaInvalid{EntityID: a.ID, Reason: "negative pm25"}
	}
	return nil
}

// TrafficEnvironmentImpact carries the derived emissions for one step.
type TrafficEnvironmentImpact struct {
	BaseEntity
	CO2            *Property         `json:"co2,omitempty"`
	NOx            *Property         `json:"nox,omitempty"`
	PM10           *Property         `json:"pm10,omitempty"`
	PM25Emission   *Property         `json:"pm25Emission,omitempty"`
	VehicleCount   *IntProperty      `json:"vehicleCount,omitempty"`
	AverageSpeed   *Property         `json:"averageSpeed,omitempty"`
	RefRoadSegment *Relationship     `json:"refRoadSegment,omitempty"`
	DateObserved   *DateTimeProperty `json:"dateObserved,omitempty"`
}

// NewTrafficEnvironmentImpact builds an impact entity.
func NewTrafficEnvironmentImpact(localID string) *TrafficEnvironmentImpact {
	return &TrafficEnvironmentImpact{
		BaseEntity: BaseEntity{
			ID:      URN(TypeTrafficEnvironmentImpact, localID),
			Type:    TypeTrafficEnvironmentImpact,
			Context: []string{DefaultContext},
		},
	}
}

// RoadSegment is referenced by TrafficLight and TrafficEnvironmentImpact.
// The control plane only ever links to it, it never mutates one.
type RoadSegment struct {
	BaseEntity
	Name     *TextProperty `json:"name,omitempty"`
	Location *GeoProperty  `json:"location,omitempty"`
}
