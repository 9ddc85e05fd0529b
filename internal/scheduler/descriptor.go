package scheduler

import (
	"fmt"
	"strings"
	"time"

	"fgsvc/internal/svcerr"
)

// MinLoopDelay is the shortest accepted period of a loop task.
const MinLoopDelay = 100 * time.Millisecond

// Descriptor is one task request. Payload values must be primitives
// (string, bool, numbers or nil).
type Descriptor struct {
	Name      string         `json:"name"`
	Payload   map[string]any `json:"payload,omitempty"`
	Delay     time.Duration  `json:"delay"`
	Loop      bool           `json:"loop"`
	LoopDelay time.Duration  `json:"loop_delay"`
}

// Normalize validates d and clamps a short positive loop delay up to
// MinLoopDelay. A non-positive loop delay on a loop task is rejected.
func (d Descriptor) Normalize() (Descriptor, error) {
	var problems []string
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		problems = append(problems, "task name is required")
	}
	if d.Delay < 0 {
		problems = append(problems, "delay must not be negative")
	}
	if d.Loop {
		switch {
		case d.LoopDelay <= 0:
			problems = append(problems, "loop_delay must be positive for loop tasks")
		case d.LoopDelay < MinLoopDelay:
			d.LoopDelay = MinLoopDelay
		}
	}
	for k, v := range d.Payload {
		if !primitive(v) {
			problems = append(problems, fmt.Sprintf("payload %q: unsupported type %T", k, v))
		}
	}
	if len(problems) > 0 {
		return d, svcerr.New(svcerr.InvalidConfig, strings.Join(problems, "; "))
	}
	if d.Payload != nil {
		cp := make(map[string]any, len(d.Payload))
		for k, v := range d.Payload {
			cp[k] = v
		}
		d.Payload = cp
	}
	return d, nil
}

func primitive(v any) bool {
	switch v.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	default:
		return false
	}
}
