package telemetry

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
)

// Payload is one decoded telemetry event.
type Payload map[string]any

// Well-known payload keys.
const (
	KeyCarClass    = "CarClass"
	KeyCurrentLap  = "CurrentLap"
	KeyLastLapTime = "LastLapTime"
	KeyLapValid    = "CurrentLapIsValid"
)

// DecodePayload decodes a JSON object into a Payload. Numbers are kept as
// json.Number so large integers survive.
func DecodePayload(data []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, err
	}
	return p, nil
}

// String returns the string value for key, or "" when absent or not a string.
func (p Payload) String(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// Float returns the numeric value for key. Strings holding numbers are accepted
// because some games publish every field as text.
func (p Payload) Float(key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Int returns the integer value for key, truncated toward zero. Values that
// are not finite or do not fit in an int are rejected.
func (p Payload) Int(key string) (int, bool) {
	f, ok := p.Float(key)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	// -math.MinInt is the first float past math.MaxInt
	if f < math.MinInt || f >= -math.MinInt {
		return 0, false
	}
	return int(f), true
}

// Bool returns the boolean value for key. Numeric 0/1 are accepted.
func (p Payload) Bool(key string) (bool, bool) {
	switch v := p[key].(type) {
	case bool:
		return v, true
	default:
		f, ok := p.Float(key)
		if !ok {
			return false, false
		}
		return f != 0, true
	}
}
