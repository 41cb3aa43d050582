package trigger

import (
	"fmt"
	"math"

	"PortfolioAutopilot/internal/model"
)

// SignedPercent converts the public direction+magnitude form into the signed
// threshold the engine evaluates: positive for pumps, negative for dumps.
func SignedPercent(dir model.Direction, magnitude float64) (float64, error) {
	if magnitude <= 0 || math.IsNaN(magnitude) || math.IsInf(magnitude, 0) {
		return 0, fmt.Errorf("%w: threshold percent must be positive, got %v", model.ErrInvalidConfig, magnitude)
	}
	switch dir {
	case model.DirectionAbove:
		return magnitude, nil
	case model.DirectionBelow:
		return -magnitude, nil
	default:
		return 0, fmt.Errorf("%w: unknown direction %q", model.ErrInvalidConfig, dir)
	}
}

// DirectionOf splits a signed threshold back into direction and magnitude.
func DirectionOf(signed float64) (model.Direction, float64) {
	if signed < 0 {
		return model.DirectionBelow, -signed
	}
	return model.DirectionAbove, signed
}
