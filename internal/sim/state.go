package sim

import "strings"

// TrafficState is the aggregate view of one TLS at one step, computed over
// the distinct set of controlled lanes.
type TrafficState struct {
	SimTime         float64  `json:"sim_time"`
	CurrentPhase    int      `json:"current_phase"`
	PhaseDuration   float64  `json:"phase_duration"`
	VehicleCount    int      `json:"vehicle_count"`
	AvgSpeed        float64  `json:"avg_speed"`
	MaxSpeed        float64  `json:"max_speed"`
	MinSpeed        float64  `json:"min_speed"`
	QueueLength     int      `json:"queue_length"`
	WaitingTime     float64  `json:"waiting_time"`
	AvgOccupancyPct float64  `json:"avg_occupancy_pct"`
	ControlledLanes []string `json:"controlled_lanes"`
}

// LaneMetrics is the simulator's per-lane measurement.
type LaneMetrics struct {
	Lane         string  `json:"lane"`
	OccupancyPct float64 `json:"occupancy_pct"`
	HaltingCount int     `json:"halting_count"`
	WaitingTime  float64 `json:"waiting_time"`
	MeanSpeed    float64 `json:"mean_speed"`
	MaxSpeed     float64 `json:"max_speed"`
	VehicleCount int     `json:"vehicle_count"`
}

// Phase is one entry of a signal program.
type Phase struct {
	State    string  `json:"state"`
	Duration float64 `json:"duration"`
	MinDur   float64 `json:"min_dur"`
	MaxDur   float64 `json:"max_dur"`
}

// PhaseLogic is the full signal program of one TLS.
type PhaseLogic struct {
	ProgramID    string  `json:"program_id"`
	CurrentPhase int     `json:"current_phase"`
	Phases       []Phase `json:"phases"`
}

// NumPhases returns the phase count of the program.
func (l *PhaseLogic) NumPhases() int {
	return len(l.Phases)
}

// HasGreen reports whether the phase grants green to at least one lane.
// Pure yellow or all-red clearance phases return false.
func (p Phase) HasGreen() bool {
	return strings.ContainsAny(p.State, "Gg")
}

// GreenLanes returns the indices of the lanes the phase grants green to.
func (p Phase) GreenLanes() []int {
	var lanes []int
	for i := 0; i < len(p.State); i++ {
		if p.State[i] == 'G' || p.State[i] == 'g' {
			lanes = append(lanes, i)
		}
	}
	return lanes
}

// distinctLanes keeps the first occurrence of each lane id; a TLS may list
// the same lane once per signal link.
func distinctLanes(lanes []string) []string {
	seen := make(map[string]struct{}, len(lanes))
	out := make([]string, 0, len(lanes))
	for _, l := range lanes {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}
