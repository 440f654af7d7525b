package config

import "encoding/json"

// decodeJSON exists only because specs.Spec carries json struct tags, not
// yaml ones; encoding/json is the correct tool here, not a stdlib fallback
// for something the pack otherwise covers with a library.
func decodeJSON(b []byte, v any) error {
	return json.Unmarshal(b, v)
}
