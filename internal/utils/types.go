package utils

import (
	"encoding/json"
	"fmt"
	"time"
)

// Empty is an empty struct, which has 0 bytes.
type Empty struct{}

// UniqueSet is a set of unique item, used to check if a key is already exists
type UniqueSet map[string]Empty

func (s UniqueSet) Add(key string) {
	s[key] = Empty{}
}

func (s UniqueSet) AlreadyExists(key string) bool {
	_, exists := s[key]
	return exists
}

func (s UniqueSet) Delete(key string) {
	delete(s, key)
}

// Duration is a time.Duration that marshals to and from strings like "30s"
// instead of raw nanosecond counts.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}
