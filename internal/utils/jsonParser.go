package utils

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ParseJSON decodes one JSON document into v. Empty bodies are an error rather than a zero value.
func ParseJSON(data []byte, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return errors.New("failed to parse JSON: empty body")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse JSON: %w", err)
	}
	return nil
}

func SerializeJSON(data any) ([]byte, error) {
	value, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize JSON: %w", err)
	}
	return value, nil
}
