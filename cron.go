package ensemble

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"time"
)

// cronSchedule is a parsed 5-field cron expression with each field stored
// as a bitmask. Fields: minute(0-59) hour(0-23) day-of-month(1-31)
// month(1-12) day-of-week(0-6, 0=Sun).
type cronSchedule struct {
	minute uint64
	hour   uint32
	dom    uint32 // bit 1 = day 1
	month  uint16 // bit 1 = January
	dow    uint8  // bit 0 = Sunday
}

// parseCron parses a standard 5-field cron expression. Supported per
// field: *, N, N-M, */S, N-M/S, comma-separated lists.
func parseCron(expr string) (*cronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron: expected 5 fields, got %d", len(fields))
	}

	masks := make([]uint64, 5)
	bounds := [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}
	names := [5]string{"minute", "hour", "day-of-month", "month", "day-of-week"}

	for i, field := range fields {
		m, err := parseCronField(field, bounds[i][0], bounds[i][1])
		if err != nil {
			return nil, fmt.Errorf("cron: %s: %w", names[i], err)
		}
		masks[i] = m
	}

	return &cronSchedule{
		minute: masks[0],
		hour:   uint32(masks[1]),
		dom:    uint32(masks[2]),
		month:  uint16(masks[3]),
		dow:    uint8(masks[4]),
	}, nil
}

func parseCronField(field string, min, max int) (uint64, error) {
	var mask uint64
	for _, part := range strings.Split(field, ",") {
		step := 1
		if idx := strings.Index(part, "/"); idx != -1 {
			s, err := strconv.Atoi(part[idx+1:])
			if err != nil || s <= 0 {
				return 0, fmt.Errorf("invalid step %q", part[idx+1:])
			}
			step = s
			part = part[:idx]
		}

		var lo, hi int
		switch {
		case part == "*":
			lo, hi = min, max
		case strings.Contains(part, "-"):
			lohi := strings.SplitN(part, "-", 2)
			var err error
			if lo, err = strconv.Atoi(lohi[0]); err != nil {
				return 0, fmt.Errorf("invalid range start %q", lohi[0])
			}
			if hi, err = strconv.Atoi(lohi[1]); err != nil {
				return 0, fmt.Errorf("invalid range end %q", lohi[1])
			}
		default:
			v, err := strconv.Atoi(part)
			if err != nil {
				return 0, fmt.Errorf("invalid value %q", part)
			}
			lo, hi = v, v
		}

		if lo < min || hi > max || lo > hi {
			return 0, fmt.Errorf("range %d-%d out of bounds [%d,%d]", lo, hi, min, max)
		}
		for v := lo; v <= hi; v += step {
			mask |= 1 << uint(v)
		}
	}
	if mask == 0 {
		return 0, fmt.Errorf("empty field")
	}
	return mask, nil
}

func (cs *cronSchedule) matchDay(t time.Time) bool {
	return cs.dom&(1<<uint(t.Day())) != 0 && cs.dow&(1<<uint(t.Weekday())) != 0
}

// next returns the first fire time strictly after from, or zero if none
// exists within 4 years (safety cap for impossible dates).
func (cs *cronSchedule) next(from time.Time) time.Time {
	t := from.Truncate(time.Minute).Add(time.Minute)
	end := from.Add(4 * 365 * 24 * time.Hour)

	for t.Before(end) {
		if cs.month&(1<<uint(t.Month())) == 0 {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !cs.matchDay(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
			continue
		}
		if cs.hour&(1<<uint(t.Hour())) == 0 {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
			continue
		}
		if cs.minute&(1<<uint(t.Minute())) == 0 {
			// Jump straight to the next set minute in this hour, if any.
			rest := cs.minute >> uint(t.Minute()+1)
			if rest == 0 {
				t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
				continue
			}
			t = t.Add(time.Duration(bits.TrailingZeros64(rest)+1) * time.Minute)
		}
		return t
	}

	return time.Time{}
}
