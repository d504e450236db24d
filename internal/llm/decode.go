package llm

import (
	"encoding/json"
	"errors"
	"strings"
)

var errNoJSON = errors.New("reply did not include a json object")

// DecodeJSON extracts the outermost JSON object from raw, tolerating code
// fences and surrounding prose, and decodes it into target.
func DecodeJSON(raw, name string, target any) error {
	block := extractJSONBlock(raw)
	if block == "" {
		return &DecodeError{Target: name, Raw: raw, Err: errNoJSON}
	}
	decoder := json.NewDecoder(strings.NewReader(block))
	if err := decoder.Decode(target); err != nil {
		return &DecodeError{Target: name, Raw: raw, Err: err}
	}
	return nil
}

func extractJSONBlock(raw string) string {
	value := strings.TrimSpace(raw)
	if strings.HasPrefix(value, "{") && strings.HasSuffix(value, "}") {
		return value
	}
	start := strings.Index(value, "{")
	end := strings.LastIndex(value, "}")
	if start == -1 || end == -1 || end <= start {
		return ""
	}
	return strings.TrimSpace(value[start : end+1])
}
