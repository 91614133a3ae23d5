package genai

import (
	"fmt"

	"github.com/Burlarad/SolaraInsights.com-sub003/internal/reading"
)

// buildMessages assembles the chat prompt for a reading. Tone and content
// live upstream in the provider's system configuration; this only states the
// subject facts.
func buildMessages(norm reading.NormalizedRequest) []providerMessage {
	system := providerMessage{
		Role: "system",
		Content: fmt.Sprintf(
			"You are the Solara Insights reading writer. Respond in locale %q.",
			norm.Locale,
		),
	}

	var subject string
	switch norm.Type {
	case reading.TypeNatalChart:
		subject = fmt.Sprintf(
			"Write a natal chart reading for %s, born %s at %s, at latitude %.6f and longitude %.6f.",
			norm.FullName, norm.BirthDate, norm.BirthTime, norm.Latitude, norm.Longitude,
		)
	case reading.TypeDailyHoroscope:
		subject = fmt.Sprintf(
			"Write the daily horoscope for %s (born %s) for %s.",
			norm.FullName, norm.BirthDate, norm.TargetDate,
		)
	case reading.TypeNumerology:
		subject = fmt.Sprintf(
			"Write a numerology reading for %s, born %s.",
			norm.FullName, norm.BirthDate,
		)
	}

	return []providerMessage{
		system,
		{Role: "user", Content: subject},
	}
}
