package reasoning

import (
	"fmt"
	"time"

	"github.com/quorumhq/quorum/pkg/config"
)

// NewStrategy builds the strategy for a configured thinking mode. The
// decision mode is an alias resolved by the config layer.
func NewStrategy(cfg *config.Config) (Strategy, error) {
	mode := cfg.NormalizedThinkingMode()
	if mode == "" {
		mode = ModeReAct
	}

	switch mode {
	case ModeReAct:
		return NewReAct(cfg.MaxIterations), nil
	case ModePlanSolve:
		return NewPlanSolve(cfg.LLM.MaxRetries, time.Duration(cfg.LLM.RetryDelay)*time.Second), nil
	default:
		return nil, fmt.Errorf("unknown thinking mode %q", cfg.ThinkingMode)
	}
}
