package dispatch

import (
	"strconv"
	"strings"
	"time"

	"autochat/internal/settings"
)

// Render replaces every placeholder in tmpl with the whole seconds of d.
func Render(tmpl string, d time.Duration) string {
	return strings.ReplaceAll(tmpl, settings.Placeholder, strconv.Itoa(wholeSeconds(d)))
}

func wholeSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(d / time.Second)
}
