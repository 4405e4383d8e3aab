package engine

import (
	"encoding/json"
	"fmt"

	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/detect"
	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/session"
)

// mergeInlineConfig overlays the thought's gan-config block (when present)
// onto the session configuration. Unknown keys are ignored; a mistyped
// value keeps the previous setting and produces a warning instead of
// failing the audit. The merged config is normalized afterwards, which
// clamps out-of-range values and adds its own warnings.
func mergeInlineConfig(thought string, cfg *session.Config) []string {
	body, ok := detect.GanConfigBody(thought)
	if !ok {
		return nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return []string{fmt.Sprintf("gan-config block is not valid JSON and was ignored: %v", err)}
	}

	var warnings []string
	decode := func(key string, dst interface{}) {
		val, ok := fields[key]
		if !ok {
			return
		}
		if err := json.Unmarshal(val, dst); err != nil {
			warnings = append(warnings, fmt.Sprintf("gan-config %s has the wrong type and was ignored: %v", key, err))
		}
	}

	decode("task", &cfg.Task)
	decode("scope", &cfg.Scope)
	decode("paths", &cfg.Paths)
	decode("threshold", &cfg.Threshold)
	decode("judges", &cfg.Judges)
	decode("maxCycles", &cfg.MaxCycles)
	decode("candidates", &cfg.Candidates)
	decode("applyFixes", &cfg.ApplyFixes)

	warnings = append(warnings, cfg.Normalize()...)
	return warnings
}
