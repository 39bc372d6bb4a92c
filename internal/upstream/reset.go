package upstream

import (
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/poemonsense/cloudcode-gateway/internal/utils"
)

var (
	// "1h2m3s", "2m0s" or "45s"
	durationRegex = regexp.MustCompile(`(?i)(\d+)h(\d+)m(\d+)s|(\d+)m(\d+)s|(\d+)s\b`)
	// "retry after 60 seconds"
	retryAfterSecRegex = regexp.MustCompile(`(?i)retry\s+(?:after\s+)?(\d+)\s*(?:sec|s\b)`)
)

// ParseResetMs extracts a cooldown hint in milliseconds from the response
// headers and the error text. Returns -1 when no hint is present.
func ParseResetMs(headers http.Header, errorText string) int64 {
	if headers != nil {
		if retryAfter := headers.Get("Retry-After"); retryAfter != "" {
			if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
				return int64(seconds) * 1000
			}
			if t, err := http.ParseTime(retryAfter); err == nil {
				if ms := time.Until(t).Milliseconds(); ms > 0 {
					return ms
				}
			}
		}
		if resetAfter := headers.Get("X-Ratelimit-Reset-After"); resetAfter != "" {
			if seconds, err := strconv.Atoi(resetAfter); err == nil && seconds > 0 {
				return int64(seconds) * 1000
			}
		}
	}

	if errorText != "" {
		if ms := parseResetFromBody(errorText); ms > 0 {
			return ms
		}
	}
	return -1
}

// parseResetFromBody parses duration hints like "reset after 1h2m3s" or
// "retry after 45 seconds" out of an error message.
func parseResetFromBody(msg string) int64 {
	if match := retryAfterSecRegex.FindStringSubmatch(msg); match != nil {
		seconds, _ := strconv.ParseInt(match[1], 10, 64)
		return seconds * 1000
	}

	if match := durationRegex.FindStringSubmatch(msg); match != nil {
		var ms int64
		switch {
		case match[1] != "":
			hours, _ := strconv.Atoi(match[1])
			minutes, _ := strconv.Atoi(match[2])
			seconds, _ := strconv.Atoi(match[3])
			ms = int64(hours*3600+minutes*60+seconds) * 1000
		case match[4] != "":
			minutes, _ := strconv.Atoi(match[4])
			seconds, _ := strconv.Atoi(match[5])
			ms = int64(minutes*60+seconds) * 1000
		case match[6] != "":
			seconds, _ := strconv.Atoi(match[6])
			ms = int64(seconds) * 1000
		}
		if ms > 0 {
			utils.Debug("[Upstream] Parsed cooldown hint: %s", utils.FormatDuration(ms))
			return ms
		}
	}
	return -1
}
