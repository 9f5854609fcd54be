package automation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Render substitutes placeholders in a step template.
//
// Substitution runs in three passes: every {{key}} present in vars,
// then {{step_N_output}} for the 1-indexed outputs of earlier steps, then
// {{previous_output}} for the last of them. Context keys are applied in
// sorted order. Placeholders with no value are left as written.
func Render(template string, vars map[string]any, previous []any) string {
	out := template

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		placeholder := "{{" + k + "}}"
		if !strings.Contains(out, placeholder) {
			continue
		}
		out = strings.ReplaceAll(out, placeholder, stringify(vars[k]))
	}

	for i, o := range previous {
		placeholder := "{{step_" + strconv.Itoa(i+1) + "_output}}"
		if strings.Contains(out, placeholder) {
			out = strings.ReplaceAll(out, placeholder, stringify(o))
		}
	}

	if len(previous) > 0 {
		out = strings.ReplaceAll(out, "{{previous_output}}", stringify(previous[len(previous)-1]))
	}
	return out
}

// stringify renders scalars in their plain form and everything else as
// two-space indented JSON.
func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(val)
	case json.Number:
		return val.String()
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Sprint(v)
	}
	return strings.TrimSuffix(buf.String(), "\n")
}
