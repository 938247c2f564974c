package ingest

import (
	"encoding/json"
	"fmt"
	"strings"

	"safetrail/internal/normalize"
)

// maxJSONDepth bounds how far nested position objects are unwrapped.
const maxJSONDepth = 3

func ParseJSONBytes(data []byte) (*normalize.LocationFields, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj), nil
}

// ParseJSONMap accepts flat samples as well as nested position objects such
// as {"coords":{"latitude":..,"longitude":..},"timestamp":..}. Top-level
// keys win over nested ones with the same name.
func ParseJSONMap(obj map[string]interface{}) *normalize.LocationFields {
	fields := &normalize.LocationFields{Extras: map[string]string{}}
	flattenJSON(obj, fields.Extras, 0)
	applyAliases(fields, fields.Extras)
	return fields
}

func flattenJSON(obj map[string]interface{}, out map[string]string, depth int) {
	var nested []map[string]interface{}
	for key, val := range obj {
		key = strings.ToLower(key)
		switch v := val.(type) {
		case map[string]interface{}:
			nested = append(nested, v)
		case []interface{}:
			// GeoJSON order is [lon, lat].
			if key == "coordinates" && len(v) >= 2 {
				setIfAbsent(out, "lon", jsonScalar(v[0]))
				setIfAbsent(out, "lat", jsonScalar(v[1]))
			}
		case nil:
		default:
			out[key] = jsonScalar(v)
		}
	}
	if depth >= maxJSONDepth {
		return
	}
	for _, child := range nested {
		sub := map[string]string{}
		flattenJSON(child, sub, depth+1)
		for k, v := range sub {
			setIfAbsent(out, k, v)
		}
	}
}

func jsonScalar(v interface{}) string {
	if f, ok := v.(float64); ok {
		// %v would print large epochs in exponent form.
		return strconvFloat(f)
	}
	return fmt.Sprint(v)
}

func setIfAbsent(m map[string]string, key, value string) {
	if _, ok := m[key]; !ok {
		m[key] = value
	}
}
