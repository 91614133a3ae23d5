package reading

import "fmt"

// Type enumerates the reading classes the service produces.
type Type string

const (
	TypeNatalChart     Type = "natal_chart"
	TypeDailyHoroscope Type = "daily_horoscope"
	TypeNumerology     Type = "numerology"
)

// Durable reports whether this class is generated exactly once per key and
// archived permanently, never regenerated after cache expiry.
func (t Type) Durable() bool {
	return t == TypeNatalChart || t == TypeNumerology
}

// RawRequest is the inbound request body before normalization. Validation
// tags express which fields each reading class requires; a missing required
// field is a hard failure, never substituted with a default.
type RawRequest struct {
	Type       string   `json:"type" validate:"required,oneof=natal_chart daily_horoscope numerology"`
	FullName   string   `json:"fullName" validate:"required,max=200"`
	BirthDate  string   `json:"birthDate" validate:"required,datetime=2006-01-02"`
	BirthTime  string   `json:"birthTime" validate:"required_if=Type natal_chart"`
	Latitude   *float64 `json:"latitude" validate:"required_if=Type natal_chart,omitempty,gte=-90,lte=90"`
	Longitude  *float64 `json:"longitude" validate:"required_if=Type natal_chart,omitempty,gte=-180,lte=180"`
	TargetDate string   `json:"targetDate" validate:"required_if=Type daily_horoscope,omitempty,datetime=2006-01-02"`
	Locale     string   `json:"locale" validate:"required,oneof=en es fr de pt"`
}

// NormalizedRequest is the canonical form of a request. It exists only for
// the duration of the request and is never persisted. Two semantically equal
// raw inputs always normalize to the identical value.
type NormalizedRequest struct {
	Type       Type
	FullName   string // trimmed, whitespace-collapsed, case-folded
	BirthDate  string // 2006-01-02
	BirthTime  string // 15:04 zero-padded; empty when the class does not use it
	Latitude   float64
	Longitude  float64
	HasCoords  bool
	TargetDate string // 2006-01-02; empty when the class does not use it
	Locale     string
}

// IncompleteInputError reports a semantically required field that was absent.
type IncompleteInputError struct {
	Field string
}

func (e *IncompleteInputError) Error() string {
	return fmt.Sprintf("incomplete input: %s is required", e.Field)
}

// InvalidInputError reports a present but malformed or out-of-range field.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input: %s %s", e.Field, e.Reason)
}
