package trainer

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/umputun/trainq/app/runner"
)

var stepRe = regexp.MustCompile(`(?i)\bstep[=:\s]\s*(\d+)\s*/\s*(\d+)`)

// forwardLine converts one line of trainer stdout to reporter calls.
//
// Supported forms:
//   - json object with globalStep/maxSteps reports progress, "message" (with optional "level") is logged,
//     other fields are logged as "Trainer log: k=v, ..." at debug level
//   - text with "step=N/M" reports progress and is logged at debug level
//   - anything else is logged at info level
func forwardLine(line string, rep runner.Reporter) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	if strings.HasPrefix(line, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			forwardObject(obj, rep)
			return
		}
	}

	if m := stepRe.FindStringSubmatch(line); m != nil {
		step, _ := strconv.Atoi(m[1])
		maxSteps, _ := strconv.Atoi(m[2])
		rep.Progress(step, maxSteps)
		rep.Log("debug", line)
		return
	}
	rep.Log("info", line)
}

func forwardObject(obj map[string]any, rep runner.Reporter) {
	if step, ok := obj["globalStep"]; ok {
		s, serr := toFloat(step)
		var m float64
		var merr error
		if mv, ok := obj["maxSteps"]; ok && mv != nil {
			m, merr = toFloat(mv)
		}
		if serr == nil && merr == nil {
			rep.Progress(int(s), int(m))
		}
	}

	if msg, ok := obj["message"].(string); ok && strings.TrimSpace(msg) != "" {
		rep.Log(stringOf(obj["level"], "info"), msg)
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		switch k {
		case "globalStep", "maxSteps", "message", "level":
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, obj[k]))
	}
	rep.Log("debug", "Trainer log: "+strings.Join(parts, ", "))
}
