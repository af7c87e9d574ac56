// Package correlation implements the canonical correlation-key encoding and
// the tenant resolution rules shared by the matcher and the deployment
// lifecycle manager.
package correlation

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/petrijr/correl/pkg/api"
)

// EncodeKey turns a set of named parameter values into a canonical,
// order-independent key. Two maps that agree on every listed parameter
// produce byte-identical keys regardless of map order or extra keys.
//
// names selects which parameters participate; a nil names slice means all
// keys of values participate. A name listed but absent from values is a
// validation error, never a silent non-match.
func EncodeKey(names []string, values map[string]any) (string, error) {
	if names == nil {
		names = make([]string, 0, len(values))
		for k := range values {
			names = append(names, k)
		}
	}

	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	// Escaping keeps the encoding unambiguous when names or values
	// contain the separator characters.
	out := make([]byte, 0, 32*len(sorted))
	for i, name := range sorted {
		v, ok := values[name]
		if !ok {
			return "", api.Validationf("missing correlation parameter %q", name)
		}
		if i > 0 {
			out = append(out, '&')
		}
		out = append(out, url.QueryEscape(name)...)
		out = append(out, '=')
		out = append(out, url.QueryEscape(FormatValue(v))...)
	}
	return string(out), nil
}

// FormatValue renders a parameter value in its canonical textual form.
// Integer-valued floats format without a fractional part, so JSON-decoded
// numbers and native ints agree.
func FormatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.FormatInt(int64(t), 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		// Uncommon types fall back to their JSON rendering.
		if b, err := json.Marshal(t); err == nil {
			return string(b)
		}
		return fmt.Sprintf("%v", t)
	}
}
