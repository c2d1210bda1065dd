// Package schedule implements ISO-8601 repeating-interval schedules of the
// form Rn/start/period and the lazy firing streams built from them.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// RecurrencesUnbounded is the sentinel for R/ schedules with no count.
const RecurrencesUnbounded int64 = -1

var ErrInvalidExpression = errors.New("invalid schedule expression")

// Parsed is the decoded head of a schedule expression.
type Parsed struct {
	// Recurrences remaining: RecurrencesUnbounded, zero (exhausted) or positive.
	Recurrences int64
	// Start is the next fire instant. It is kept in the schedule's zone so
	// that re-serializing and re-parsing a head round-trips exactly;
	// comparisons against it are instant-based and unaffected.
	Start time.Time
	// Period is the interval between firings.
	Period Period
}

// Parse decodes expr, interpreting the start instant's wall-clock fields in
// tz when tz is non-empty. Returns an error on any syntactic failure.
func Parse(expr string, tz string) (*Parsed, error) {
	parts := strings.Split(expr, "/")
	if len(parts) != 3 {
		return nil, errors.Wrapf(ErrInvalidExpression, "expected R/start/period, got %q", expr)
	}
	recurrences, err := parseRecurrences(parts[0])
	if err != nil {
		return nil, err
	}
	start, err := time.Parse(time.RFC3339, parts[1])
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidExpression, "bad start instant %q", parts[1])
	}
	if tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidExpression, "bad time zone %q", tz)
		}
		// The configured zone overrides whatever offset the expression
		// carries: the wall-clock fields are reinterpreted in loc.
		y, mo, d := start.Date()
		h, mi, s := start.Clock()
		start = time.Date(y, mo, d, h, mi, s, start.Nanosecond(), loc)
	} else {
		start = start.UTC()
	}
	period, err := ParsePeriod(parts[2])
	if err != nil {
		return nil, err
	}
	return &Parsed{
		Recurrences: recurrences,
		Start:       start,
		Period:      period,
	}, nil
}

// Format re-serializes a parsed head. The start is rendered in its own
// zone, so parsing the result with the same zone yields the same instant.
func (p *Parsed) Format() string {
	return fmt.Sprintf("%s/%s/%s", formatRecurrences(p.Recurrences), p.Start.Format(time.RFC3339), p.Period.raw)
}

// Next returns the head advanced by one period with one recurrence consumed.
// Unbounded schedules stay unbounded.
func (p *Parsed) Next() *Parsed {
	recurrences := p.Recurrences
	if recurrences > 0 {
		recurrences--
	}
	return &Parsed{
		Recurrences: recurrences,
		Start:       p.Period.AddTo(p.Start),
		Period:      p.Period,
	}
}

func parseRecurrences(field string) (int64, error) {
	if !strings.HasPrefix(field, "R") {
		return 0, errors.Wrapf(ErrInvalidExpression, "bad recurrence field %q", field)
	}
	if field == "R" {
		return RecurrencesUnbounded, nil
	}
	n, err := strconv.ParseInt(field[1:], 10, 64)
	if err != nil || n < 0 {
		return 0, errors.Wrapf(ErrInvalidExpression, "bad recurrence count %q", field)
	}
	return n, nil
}

func formatRecurrences(n int64) string {
	if n == RecurrencesUnbounded {
		return "R"
	}
	return "R" + strconv.FormatInt(n, 10)
}

// Period is an ISO-8601 duration. Calendar components (years, months, days)
// are kept apart from the clock part so that adding a period respects
// month lengths and DST transitions in the schedule's zone.
type Period struct {
	raw    string
	years  int
	months int
	days   int
	clock  time.Duration
}

func (p Period) String() string { return p.raw }

// IsZero reports whether the period advances time at all. A zero period
// would make stream advancement loop forever, so parsing rejects it.
func (p Period) IsZero() bool {
	return p.years == 0 && p.months == 0 && p.days == 0 && p.clock == 0
}

// AddTo returns t advanced by one period.
func (p Period) AddTo(t time.Time) time.Time {
	if p.years != 0 || p.months != 0 || p.days != 0 {
		t = t.AddDate(p.years, p.months, p.days)
	}
	return t.Add(p.clock)
}

// ParsePeriod decodes an ISO-8601 duration: PnYnMnWnDTnHnMnS.
func ParsePeriod(raw string) (Period, error) {
	if len(raw) < 2 || raw[0] != 'P' {
		return Period{}, errors.Wrapf(ErrInvalidExpression, "bad period %q", raw)
	}
	p := Period{raw: raw}
	rest := raw[1:]
	inTime := false
	for len(rest) > 0 {
		if rest[0] == 'T' {
			if inTime {
				return Period{}, errors.Wrapf(ErrInvalidExpression, "bad period %q", raw)
			}
			inTime = true
			rest = rest[1:]
			continue
		}
		i := 0
		for i < len(rest) && (rest[i] >= '0' && rest[i] <= '9' || rest[i] == '.') {
			i++
		}
		if i == 0 || i == len(rest) {
			return Period{}, errors.Wrapf(ErrInvalidExpression, "bad period %q", raw)
		}
		value, err := strconv.ParseFloat(rest[:i], 64)
		if err != nil {
			return Period{}, errors.Wrapf(ErrInvalidExpression, "bad period %q", raw)
		}
		unit := rest[i]
		rest = rest[i+1:]
		if inTime {
			switch unit {
			case 'H':
				p.clock += time.Duration(value * float64(time.Hour))
			case 'M':
				p.clock += time.Duration(value * float64(time.Minute))
			case 'S':
				p.clock += time.Duration(value * float64(time.Second))
			default:
				return Period{}, errors.Wrapf(ErrInvalidExpression, "bad period unit %q in %q", string(unit), raw)
			}
		} else {
			n := int(value)
			switch unit {
			case 'Y':
				p.years += n
			case 'M':
				p.months += n
			case 'W':
				p.days += 7 * n
			case 'D':
				p.days += n
			default:
				return Period{}, errors.Wrapf(ErrInvalidExpression, "bad period unit %q in %q", string(unit), raw)
			}
		}
	}
	if p.IsZero() {
		return Period{}, errors.Wrapf(ErrInvalidExpression, "period %q must be positive", raw)
	}
	return p, nil
}
