package contextwindow

import (
	"sync"

	"github.com/agentcore/opencode-core/pkg/coretypes"
)

const (
	defaultHardMinTokens = 8_000
	defaultWarnTokens    = 16_000
)

// Guard enforces the context-window floor: a run whose context window
// is below the hard minimum fails synchronously, and one below the
// warn threshold is reported to onWarn once per Guard.
type Guard struct {
	hardMinTokens int
	warnTokens    int

	warnOnce sync.Once
	onWarn   func(contextWindowTokens int)
}

// NewGuard creates a Guard with the reference hard-min/warn defaults.
// onWarn, if non-nil, is invoked at most once, the first time a
// context window below warnTokens (but at or above hardMinTokens) is
// seen.
func NewGuard(onWarn func(contextWindowTokens int)) *Guard {
	return &Guard{hardMinTokens: defaultHardMinTokens, warnTokens: defaultWarnTokens, onWarn: onWarn}
}

// Check validates contextWindowTokens, returning a CoreError of kind
// ContextWindowTooSmall if it is below the hard minimum.
func (g *Guard) Check(contextWindowTokens int) error {
	if contextWindowTokens < g.hardMinTokens {
		return coretypes.NewError(coretypes.ErrContextWindowTooSmall, "context window below hard minimum", nil)
	}
	if contextWindowTokens < g.warnTokens {
		g.warnOnce.Do(func() {
			if g.onWarn != nil {
				g.onWarn(contextWindowTokens)
			}
		})
	}
	return nil
}
