package channel

// BurstScale is the command multiplier after travelling d since switch-on.
// It starts at peak and falls linearly to 1 at length, staying there after.
func BurstScale(d, peak, length float64) float64 {
	if length <= 0 || d >= length {
		return 1
	}
	if d <= 0 {
		return peak
	}
	return 1 + (peak-1)*(1-d/length)
}
