package model

// StepObservation is the per-step sample the IoT agent publishes on the
// experience stream. The offline trainer pairs consecutive samples into
// replay transitions; nothing on the control path consumes it.
type StepObservation struct {
	TLS          string  `json:"tls"`
	SimTime      float64 `json:"sim_time"`
	Queues       []int   `json:"queues"`
	Phase        int     `json:"phase"`
	PM25         float64 `json:"pm25"`
	VehicleCount int     `json:"vehicle_count"`
	AvgSpeed     float64 `json:"avg_speed"`
}

// StateVector lays the observation out as the DQN state
// (queues…, phase, pm25), width numDetectors+2.
func (o StepObservation) StateVector() []float64 {
	s := make([]float64, 0, len(o.Queues)+2)
	for _, q := range o.Queues {
		s = append(s, float64(q))
	}
	s = append(s, float64(o.Phase), o.PM25)
	return s
}

// ExperienceSubject is the NATS subject the observation for a TLS is
// published on.
func ExperienceSubject(tlsID string) string {
	return "traffic.experience." + LocalID(tlsID)
}
