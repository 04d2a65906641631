package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Strings is a JSONB-backed string slice for gorm columns such as flags.
type Strings []string

func (s Strings) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *Strings) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for Strings: %T", value)
	}
	return json.Unmarshal(data, (*[]string)(s))
}
