package provider

import (
	"fmt"
	"math"
	"sort"

	"airouter/internal/llmerr"
)

// Recognized request parameter names. Anything else is rejected with
// InvalidParameter before the adapter touches its backend.
const (
	ParamTemperature   = "temperature"
	ParamTopP          = "top_p"
	ParamTopK          = "top_k"
	ParamMaxTokens     = "max_tokens"
	ParamStop          = "stop"
	ParamSeed          = "seed"
	ParamRepeatPenalty = "repeat_penalty"
)

var recognizedParams = map[string]struct{}{
	ParamTemperature:   {},
	ParamTopP:          {},
	ParamTopK:          {},
	ParamMaxTokens:     {},
	ParamStop:          {},
	ParamSeed:          {},
	ParamRepeatPenalty: {},
}

// ValidateParameters checks names and ranges of a request parameter map.
// Returns nil for an empty map.
func ValidateParameters(params map[string]interface{}) *llmerr.Error {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic first-error reporting

	for _, name := range names {
		if _, ok := recognizedParams[name]; !ok {
			return llmerr.New(llmerr.KindInvalidParameter, "unknown parameter %q", name)
		}
		if err := validateParamValue(name, params[name]); err != nil {
			return err
		}
	}
	return nil
}

func validateParamValue(name string, value interface{}) *llmerr.Error {
	switch name {
	case ParamTemperature:
		f, ok := asFloat(value)
		if !ok || f < 0 || f > 2 {
			return llmerr.New(llmerr.KindInvalidParameter, "temperature must be a number in [0.0, 2.0], got %v", value)
		}
	case ParamTopP:
		f, ok := asFloat(value)
		if !ok || f < 0 || f > 1 {
			return llmerr.New(llmerr.KindInvalidParameter, "top_p must be a number in [0.0, 1.0], got %v", value)
		}
	case ParamTopK:
		n, ok := asInt(value)
		if !ok || n <= 0 {
			return llmerr.New(llmerr.KindInvalidParameter, "top_k must be a positive integer, got %v", value)
		}
	case ParamMaxTokens:
		n, ok := asInt(value)
		if !ok || n <= 0 {
			return llmerr.New(llmerr.KindInvalidParameter, "max_tokens must be a positive integer, got %v", value)
		}
	case ParamStop:
		if _, ok := asStringSlice(value); !ok {
			return llmerr.New(llmerr.KindInvalidParameter, "stop must be a sequence of strings, got %v", value)
		}
	case ParamSeed:
		if _, ok := asInt(value); !ok {
			return llmerr.New(llmerr.KindInvalidParameter, "seed must be an integer, got %v", value)
		}
	case ParamRepeatPenalty:
		f, ok := asFloat(value)
		if !ok || f <= 0 {
			return llmerr.New(llmerr.KindInvalidParameter, "repeat_penalty must be a positive number, got %v", value)
		}
	}
	return nil
}

// asFloat accepts the numeric shapes JSON and YAML decoding produce.
func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

func asStringSlice(v interface{}) ([]string, bool) {
	switch s := v.(type) {
	case []string:
		return s, true
	case []interface{}:
		out := make([]string, 0, len(s))
		for _, e := range s {
			str, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, str)
		}
		return out, true
	default:
		return nil, false
	}
}

// paramString formats a parameter value for a command line argument.
func paramString(v interface{}) string {
	return fmt.Sprintf("%v", v)
}
