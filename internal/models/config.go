package models

import (
	"encoding/json"
	"time"
)

const (
	DefaultTimeoutMinutes = 15
	MinTimeoutMinutes     = 1
	// Timeouts above this are legal but almost always a configuration
	// mistake, so callers log a warning.
	TimeoutWarnMinutes = 60
)

// TaskConfig holds the execution options of a task. The persisted form is a
// JSON object; keys this version does not understand are preserved in Extra
// and round-trip unchanged.
type TaskConfig struct {
	TimeoutMinutes int   `json:"timeout_minutes,omitempty"`
	Headless       *bool `json:"headless,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// EffectiveTimeout clamps the configured timeout to the minimum and applies
// the default when unset. Clamped reports whether the configured value was
// below the minimum.
func (c TaskConfig) EffectiveTimeout() (d time.Duration, clamped bool) {
	minutes := c.TimeoutMinutes
	if minutes == 0 {
		minutes = DefaultTimeoutMinutes
	}
	if minutes < MinTimeoutMinutes {
		return time.Duration(MinTimeoutMinutes) * time.Minute, true
	}
	return time.Duration(minutes) * time.Minute, false
}

// HeadlessMode defaults to background automation unless explicitly disabled.
func (c TaskConfig) HeadlessMode() bool {
	if c.Headless == nil {
		return true
	}
	return *c.Headless
}

func (c TaskConfig) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(c.Extra)+2)
	for k, v := range c.Extra {
		out[k] = v
	}
	if c.TimeoutMinutes != 0 {
		b, err := json.Marshal(c.TimeoutMinutes)
		if err != nil {
			return nil, err
		}
		out["timeout_minutes"] = b
	}
	if c.Headless != nil {
		b, err := json.Marshal(*c.Headless)
		if err != nil {
			return nil, err
		}
		out["headless"] = b
	}
	return json.Marshal(out)
}

func (c *TaskConfig) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = TaskConfig{}
	for key, value := range raw {
		switch key {
		case "timeout_minutes":
			if err := json.Unmarshal(value, &c.TimeoutMinutes); err != nil {
				return err
			}
		case "headless":
			var h bool
			if err := json.Unmarshal(value, &h); err != nil {
				return err
			}
			c.Headless = &h
		default:
			if c.Extra == nil {
				c.Extra = map[string]json.RawMessage{}
			}
			c.Extra[key] = value
		}
	}
	return nil
}
