package channel

import "math"

// boltzmannDB is 10·log10(k) with k in J/K, negated.
const boltzmannDB = 228.6

// LinkBudget is a free-space forward-link budget.
type LinkBudget struct {
	FrequencyGHz float64
	// EirpDBW is the satellite EIRP towards the terminal.
	EirpDBW float64
	// GOverT is the terminal figure of merit in dB/K.
	GOverT float64
	// LossesDB covers atmosphere, pointing and implementation losses.
	LossesDB float64
}

// DefaultLinkBudget is a Ka-band budget giving about 86 dB-Hz from
// geostationary distance.
func DefaultLinkBudget() LinkBudget {
	return LinkBudget{
		FrequencyGHz: 20,
		EirpDBW:      55,
		GOverT:       15,
		LossesDB:     3,
	}
}

// FreeSpaceLossDB returns the free-space path loss over distanceKm.
func FreeSpaceLossDB(distanceKm, frequencyGHz float64) float64 {
	if distanceKm < 1 {
		distanceKm = 1
	}
	if frequencyGHz <= 0 {
		frequencyGHz = 10
	}
	return 92.45 + 20*math.Log10(distanceKm) + 20*math.Log10(frequencyGHz)
}

// CnoDBHz returns C/N0 in dB-Hz at distanceKm.
func (b LinkBudget) CnoDBHz(distanceKm float64) float64 {
	return b.EirpDBW + b.GOverT - FreeSpaceLossDB(distanceKm, b.FrequencyGHz) - b.LossesDB + boltzmannDB
}
