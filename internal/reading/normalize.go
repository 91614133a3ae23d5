package reading

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// coordPrecision bounds coordinate resolution so float noise from different
// geocoders cannot fragment the cache.
const coordPrecision = 1e6

// Normalize canonicalizes a raw request. Required-but-missing fields fail
// with IncompleteInputError; malformed values fail with InvalidInputError.
// A missing birth time for a natal chart is rejected rather than defaulted,
// since a silent "noon" would collapse distinct charts onto one key.
func Normalize(raw RawRequest) (NormalizedRequest, error) {
	if err := validate.Struct(raw); err != nil {
		return NormalizedRequest{}, mapValidationError(err)
	}

	norm := NormalizedRequest{
		Type:      Type(raw.Type),
		FullName:  foldName(raw.FullName),
		BirthDate: raw.BirthDate,
		Locale:    strings.ToLower(strings.TrimSpace(raw.Locale)),
	}

	if norm.FullName == "" {
		return NormalizedRequest{}, &IncompleteInputError{Field: "fullName"}
	}

	switch norm.Type {
	case TypeNatalChart:
		birthTime, err := foldClockTime(raw.BirthTime)
		if err != nil {
			return NormalizedRequest{}, &InvalidInputError{Field: "birthTime", Reason: "must be HH:MM"}
		}
		norm.BirthTime = birthTime
		norm.Latitude = roundCoord(*raw.Latitude)
		norm.Longitude = roundCoord(*raw.Longitude)
		norm.HasCoords = true
	case TypeDailyHoroscope:
		norm.TargetDate = raw.TargetDate
	case TypeNumerology:
		// name + birth date only
	}

	return norm, nil
}

// foldName trims, collapses inner whitespace, and case-folds. Case carries
// no meaning for chart or numerology subjects.
func foldName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// foldClockTime canonicalizes a wall-clock time to zero-padded "15:04", so
// "9:5" and "09:05" land on the same key.
func foldClockTime(raw string) (string, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 2 {
		return "", fmt.Errorf("expected HH:MM, got %q", raw)
	}
	padded := zeroPad(parts[0]) + ":" + zeroPad(parts[1])
	parsed, err := time.Parse("15:04", padded)
	if err != nil {
		return "", err
	}
	return parsed.Format("15:04"), nil
}

func zeroPad(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}

func roundCoord(v float64) float64 {
	return math.Round(v*coordPrecision) / coordPrecision
}

// mapValidationError translates validator failures into the input error
// taxonomy: absence is incomplete, anything else is invalid.
func mapValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &InvalidInputError{Field: "request", Reason: "is malformed"}
	}

	first := verrs[0]
	field := jsonField(first.Field())

	switch first.Tag() {
	case "required", "required_if":
		return &IncompleteInputError{Field: field}
	case "oneof":
		return &InvalidInputError{Field: field, Reason: "is not a supported value"}
	case "datetime":
		return &InvalidInputError{Field: field, Reason: "must be YYYY-MM-DD"}
	case "gte", "lte":
		return &InvalidInputError{Field: field, Reason: "is out of range"}
	default:
		return &InvalidInputError{Field: field, Reason: "is invalid"}
	}
}

// jsonField lowers the struct field name to its JSON spelling.
func jsonField(name string) string {
	if name == "" {
		return name
	}
	return strings.ToLower(name[:1]) + name[1:]
}
