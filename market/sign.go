package market

// Sign collapses a signed quantity to its market side:
// short -1, flat 0, long 1.
func Sign(x float64) int {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}
