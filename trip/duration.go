package trip

import (
	"fmt"
	"time"
)

// FormatDuration renders d as HH:MM:SS, truncating fractional seconds.
// Hours are not wrapped at 24.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total/60)%60, total%60)
}

// HumanDuration renders d as e.g. "45 seconds", "1 minute" or
// "2 hours 15 minutes".
func HumanDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	if total < 60 {
		return plural(total, "second")
	}
	hours := total / 3600
	minutes := (total / 60) % 60
	switch {
	case hours == 0:
		return plural(minutes, "minute")
	case minutes == 0:
		return plural(hours, "hour")
	}
	return plural(hours, "hour") + " " + plural(minutes, "minute")
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
