package pipeline

import (
	"fmt"
	"strings"
)

// DefaultCrossfadeCurve is applied to both sides of every join.
const DefaultCrossfadeCurve = "tri"

// CrossfadeStep is one acrossfade node in the chain: Left and Right are
// input labels, Out is the label the blended stream is written to.
type CrossfadeStep struct {
	Left     string
	Right    string
	Out      string
	Duration float64
	Curve    string
}

// CrossfadeChain models the left-fold crossfade graph for N ordered inputs:
// step 1 blends inputs 0 and 1, each following step blends the previous
// intermediate with the next input. Construction is label arithmetic only;
// ffmpeg filter_complex syntax is produced as a final serialization step by
// Render.
type CrossfadeChain struct {
	steps []CrossfadeStep
}

// NewCrossfadeChain builds the chain for the given number of inputs and a
// uniform crossfade duration in seconds.
func NewCrossfadeChain(inputs int, duration float64) (*CrossfadeChain, error) {
	if inputs < 2 {
		return nil, fmt.Errorf("crossfade chain needs at least 2 inputs, got %d", inputs)
	}
	if duration <= 0 {
		return nil, fmt.Errorf("crossfade duration must be positive, got %g", duration)
	}

	steps := make([]CrossfadeStep, 0, inputs-1)
	left := "[0:a]"
	for i := 1; i < inputs; i++ {
		step := CrossfadeStep{
			Left:     left,
			Right:    fmt.Sprintf("[%d:a]", i),
			Out:      fmt.Sprintf("[xf%d]", i),
			Duration: duration,
			Curve:    DefaultCrossfadeCurve,
		}
		steps = append(steps, step)
		left = step.Out
	}
	return &CrossfadeChain{steps: steps}, nil
}

// Steps exposes the chain nodes in execution order.
func (c *CrossfadeChain) Steps() []CrossfadeStep {
	return c.steps
}

// Render serializes the chain into filter_complex syntax and returns the
// filter string plus the label of the final output stream.
func (c *CrossfadeChain) Render() (filter, output string) {
	parts := make([]string, 0, len(c.steps))
	for _, s := range c.steps {
		parts = append(parts, fmt.Sprintf("%s%sacrossfade=d=%.2f:c1=%s:c2=%s%s",
			s.Left, s.Right, s.Duration, s.Curve, s.Curve, s.Out))
	}
	return strings.Join(parts, ";"), c.steps[len(c.steps)-1].Out
}
