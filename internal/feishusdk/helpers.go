package feishusdk

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// toString flattens a sheets v2 cell into plain text. Cells arrive as
// strings, numbers, rich-text segment arrays or link objects.
func toString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return strings.TrimSpace(v.String())
	case float64:
		return formatFloat(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		if v {
			return "true"
		}
		return "false"
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			if text := toString(item); text != "" {
				parts = append(parts, text)
			}
		}
		// 富文本分段直接拼接
		return strings.Join(parts, "")
	case map[string]any:
		for _, key := range []string{"text", "link", "value"} {
			if nested, ok := v[key]; ok {
				if text := toString(nested); text != "" {
					return text
				}
			}
		}
		return ""
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	default:
		return ""
	}
}

func formatFloat(v float64) string {
	if math.Mod(v, 1) == 0 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
