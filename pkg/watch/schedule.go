package watch

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Sriram-PR/crawlcore/pkg/utils"
)

// intervalSchedule fires a fixed duration after the previous run.
type intervalSchedule struct {
	every time.Duration
}

func (s intervalSchedule) Next(t time.Time) time.Time { return t.Add(s.every) }

// ParseSchedule accepts an interval ("30m", "1d12h") or a standard cron
// expression ("0 3 * * *", "@daily").
func ParseSchedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if d, err := ParseInterval(spec); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("%w: schedule interval must be positive: %s", utils.ErrConfigValidation, spec)
		}
		return intervalSchedule{every: d}, nil
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid schedule '%s' (examples: 30m, 7d, \"0 3 * * *\", @daily): %w",
			utils.ErrConfigValidation, spec, err)
	}
	return sched, nil
}

// DescribeSchedule renders a schedule for logs.
func DescribeSchedule(s cron.Schedule) string {
	if is, ok := s.(intervalSchedule); ok {
		return "every " + FormatInterval(is.every)
	}
	return "cron"
}

// FormatInterval formats a duration for display
func FormatInterval(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		hours := int(d.Hours())
		mins := int(d.Minutes()) % 60
		if mins > 0 {
			return fmt.Sprintf("%dh%dm", hours, mins)
		}
		return fmt.Sprintf("%dh", hours)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	if hours > 0 {
		return fmt.Sprintf("%dd%dh", days, hours)
	}
	return fmt.Sprintf("%dd", days)
}

// ParseInterval parses a duration with an optional leading day count.
func ParseInterval(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	dayPart, rest, found := strings.Cut(s, "d")
	if !found {
		return 0, fmt.Errorf("invalid interval format: %s (examples: 30m, 1h, 24h, 7d)", s)
	}
	days, err := strconv.Atoi(dayPart)
	if err != nil || days < 0 {
		return 0, fmt.Errorf("invalid interval format: %s", s)
	}
	d := time.Duration(days) * 24 * time.Hour
	if rest != "" {
		extra, err := time.ParseDuration(rest)
		if err != nil {
			return 0, fmt.Errorf("invalid interval format: %s", s)
		}
		d += extra
	}
	return d, nil
}
