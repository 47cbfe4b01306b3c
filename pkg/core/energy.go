package core

import "fmt"

// Coefficients for the energy savings estimate.
const (
	// MAhPerMiB is charged per MiB of traffic read from the device.
	MAhPerMiB = 0.12
	// MAhPerBlocked is charged per packet the device delivered, on top of
	// its bytes.
	MAhPerBlocked = 0.0001
)

// EnergyEstimate is the estimated battery charge saved by not handling
// discarded traffic.
type EnergyEstimate struct {
	Bytes   uint64 `json:"bytes"`
	Blocked uint64 `json:"blocked"`
	MAh     string `json:"mah"`
	Display string `json:"display"`
}

// EnergyMAh is a pure linear function of processed bytes and blocked packets.
func EnergyMAh(bytes, blocked uint64) float64 {
	return float64(bytes)/(1024*1024)*MAhPerMiB + float64(blocked)*MAhPerBlocked
}

// EstimateEnergy formats EnergyMAh with two decimals.
func EstimateEnergy(bytes, blocked uint64) EnergyEstimate {
	v := fmt.Sprintf("%.2f", EnergyMAh(bytes, blocked))
	return EnergyEstimate{
		Bytes:   bytes,
		Blocked: blocked,
		MAh:     v,
		Display: v + " mAh",
	}
}
