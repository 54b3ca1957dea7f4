// Package emissions derives per-step pollutant figures from the raw
// simulator observation. The functions are pure so the published
// TrafficEnvironmentImpact values are reproducible bit for bit.
package emissions

// Emissions holds the derived pollutant figures for one step interval.
type Emissions struct {
	CO2Grams       float64 `json:"co2_g"`
	NOxMilligrams  float64 `json:"nox_mg"`
	PM10Milligrams float64 `json:"pm10_mg"`
}

// CO2Factor returns the speed-dependent CO2 emission factor in g/km per
// vehicle. Stop-and-go traffic below 10 km/h burns the most.
func CO2Factor(speedKMH float64) float64 {
	switch {
	case speedKMH < 10:
		return 180
	case speedKMH < 30:
		return 140
	default:
		return 120
	}
}

// Derive computes the emissions for one 1 s step interval from the vehicle
// count, the average speed in m/s and the observed PM2.5 in mg.
func Derive(vehicleCount int, avgSpeedMS, pm25 float64) Emissions {
	speedKMH := avgSpeedMS * 3.6
	distanceKM := speedKMH / 3600
	v := float64(vehicleCount)

	return Emissions{
		CO2Grams:       v * CO2Factor(speedKMH) * distanceKM,
		NOxMilligrams:  v * 0.5 * distanceKM * 1000,
		PM10Milligrams: pm25 * 1.5,
	}
}
