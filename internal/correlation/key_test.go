package correlation

import (
	"testing"

	"github.com/petrijr/correl/pkg/api"
)

func TestEncodeKeyOrderIndependent(t *testing.T) {
	names := []string{"customer", "action"}

	k1, err := EncodeKey(names, map[string]any{
		"customer": "kermit",
		"action":   "start",
	})
	if err != nil {
		t.Fatalf("EncodeKey: %v", err)
	}

	k2, err := EncodeKey([]string{"action", "customer"}, map[string]any{
		"action":   "start",
		"customer": "kermit",
		"extra":    "payload-only",
	})
	if err != nil {
		t.Fatalf("EncodeKey: %v", err)
	}

	if k1 != k2 {
		t.Fatalf("keys differ: %q vs %q", k1, k2)
	}
}

func TestEncodeKeyDistinguishesValues(t *testing.T) {
	k1, err := EncodeKey([]string{"customer"}, map[string]any{"customer": "kermit"})
	if err != nil {
		t.Fatalf("EncodeKey: %v", err)
	}
	k2, err := EncodeKey([]string{"customer"}, map[string]any{"customer": "gonzo"})
	if err != nil {
		t.Fatalf("EncodeKey: %v", err)
	}
	if k1 == k2 {
		t.Fatalf("expected distinct keys, both %q", k1)
	}
}

func TestEncodeKeyEscapesSeparators(t *testing.T) {
	// A value containing the separator characters must not collide with
	// two separate parameters.
	k1, err := EncodeKey([]string{"a"}, map[string]any{"a": "x=1&b=2"})
	if err != nil {
		t.Fatalf("EncodeKey: %v", err)
	}
	k2, err := EncodeKey([]string{"a", "b"}, map[string]any{"a": "x=1", "b": "2"})
	if err != nil {
		t.Fatalf("EncodeKey: %v", err)
	}
	if k1 == k2 {
		t.Fatalf("escaping failed, keys collide: %q", k1)
	}
}

func TestEncodeKeyMissingParameterIsValidationError(t *testing.T) {
	_, err := EncodeKey([]string{"customer", "orderId"}, map[string]any{"customer": "kermit"})
	if err == nil {
		t.Fatalf("expected error for missing parameter")
	}
	if !api.IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestEncodeKeyNumericEquivalence(t *testing.T) {
	// JSON decoding produces float64; native ints must encode identically.
	k1, err := EncodeKey([]string{"n"}, map[string]any{"n": 42})
	if err != nil {
		t.Fatalf("EncodeKey: %v", err)
	}
	k2, err := EncodeKey([]string{"n"}, map[string]any{"n": float64(42)})
	if err != nil {
		t.Fatalf("EncodeKey: %v", err)
	}
	if k1 != k2 {
		t.Fatalf("int and float64 forms differ: %q vs %q", k1, k2)
	}
}

func TestFormatValueFloat32KeepsShortForm(t *testing.T) {
	// float32 values must round-trip through their own precision, not
	// pick up float64 conversion noise.
	if got := FormatValue(float32(0.1)); got != "0.1" {
		t.Fatalf("float32 0.1 formatted as %q", got)
	}
	if got := FormatValue(float64(0.1)); got != "0.1" {
		t.Fatalf("float64 0.1 formatted as %q", got)
	}
}
