package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"strings"
)

// JSONB type for GORM to handle PostgreSQL JSONB columns
type JSONB map[string]interface{}

// Value implements driver.Valuer for JSONB
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for JSONB
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

// GormDataType lets AutoMigrate pick a JSON column on every dialect.
func (JSONB) GormDataType() string {
	return "json"
}

// decodeInto re-marshals the weakly typed bag into a platform-specific view.
func (j JSONB) decodeInto(v interface{}) error {
	if j == nil {
		return nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func upper(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
