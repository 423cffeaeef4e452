package domain

const mlPerFlOz = 29.5735295625

// ConvertVolume converts a volume between "ml" and "floz" (US fluid ounces).
// Returns v unchanged if from == to or if the units are unrecognised.
func ConvertVolume(v float64, from, to string) float64 {
	if from == to {
		return v
	}
	if from == "ml" && to == "floz" {
		return v / mlPerFlOz
	}
	if from == "floz" && to == "ml" {
		return v * mlPerFlOz
	}
	return v
}
