package cron

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	fleeterrors "github.com/mirkobrombin/go-fleet/v1/errors"
)

var fieldPattern = regexp.MustCompile(`^[*0-9/,\-]+$`)

type bounds struct {
	name     string
	min, max int
}

var fieldBounds = [5]bounds{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"date", 1, 31},
	{"month", 0, 11},
	{"weekday", 0, 6},
}

var descriptors = map[string]string{
	"@yearly":       "0 0 1 0 *",
	"@annually":     "0 0 1 0 *",
	"@monthly":      "0 0 1 * *",
	"@weekly":       "0 0 * * 0",
	"@daily":        "0 0 * * *",
	"@midnight":     "0 0 * * *",
	"@hourly":       "0 * * * *",
	"@always":       "* * * * *",
	"@every_minute": "* * * * *",
}

// Field is one component of an Expression: either a wildcard or an explicit
// sorted set of values.
type Field struct {
	Wildcard bool
	Values   []int
}

// Matches reports whether v is allowed by the field.
func (f Field) Matches(v int) bool {
	if f.Wildcard {
		return true
	}
	i := sort.SearchInts(f.Values, v)
	return i < len(f.Values) && f.Values[i] == v
}

// Expression is a parsed cron schedule. It is immutable.
type Expression struct {
	Minute  Field
	Hour    Field
	Date    Field
	Month   Field
	Weekday Field

	source string
}

// Always returns an expression matching every minute.
func Always() *Expression {
	w := Field{Wildcard: true}
	return &Expression{Minute: w, Hour: w, Date: w, Month: w, Weekday: w, source: "* * * * *"}
}

// MustParse is like Parse but panics on error.
func MustParse(spec string) *Expression {
	e, err := Parse(spec)
	if err != nil {
		panic(err)
	}
	return e
}

// Parse parses a five-field cron expression or one of the @ descriptors.
func Parse(spec string) (*Expression, error) {
	spec = strings.TrimSpace(spec)
	src := spec
	if strings.HasPrefix(spec, "@") {
		expanded, ok := descriptors[spec]
		if !ok {
			return nil, &fleeterrors.CronError{Expr: src, Token: spec, Reason: "unknown descriptor"}
		}
		spec = expanded
	}

	parts := strings.Fields(spec)
	if len(parts) != len(fieldBounds) {
		return nil, &fleeterrors.CronError{
			Expr:   src,
			Reason: "expected 5 fields, got " + strconv.Itoa(len(parts)),
		}
	}
	var fields [5]Field
	for i, part := range parts {
		f, err := parseField(src, part, fieldBounds[i])
		if err != nil {
			return nil, err
		}
		fields[i] = f
	}
	return &Expression{
		Minute:  fields[0],
		Hour:    fields[1],
		Date:    fields[2],
		Month:   fields[3],
		Weekday: fields[4],
		source:  src,
	}, nil
}

func parseField(expr, token string, b bounds) (Field, error) {
	fail := func(tok, reason string) (Field, error) {
		return Field{}, &fleeterrors.CronError{Expr: expr, Token: tok, Reason: b.name + ": " + reason}
	}
	if !fieldPattern.MatchString(token) {
		return fail(token, "invalid characters")
	}
	if token == "*" {
		return Field{Wildcard: true}, nil
	}

	seen := make(map[int]struct{})
	for _, part := range strings.Split(token, ",") {
		if part == "" {
			return fail(token, "empty value")
		}
		rangePart, step, stepped := part, 1, false
		if i := strings.IndexByte(part, '/'); i >= 0 {
			n, err := strconv.Atoi(part[i+1:])
			if err != nil || n < 1 || n > b.max {
				return fail(part, "step out of range")
			}
			rangePart, step, stepped = part[:i], n, true
		}

		var lo, hi int
		fromZero := false
		switch {
		case rangePart == "*" && stepped:
			// */N counts from zero; values below the field minimum are dropped.
			lo, hi, fromZero = 0, b.max, true
		case rangePart == "*":
			lo, hi = b.min, b.max
		case strings.Contains(rangePart, "-"):
			ends := strings.Split(rangePart, "-")
			if len(ends) != 2 {
				return fail(part, "malformed range")
			}
			a, errA := strconv.Atoi(ends[0])
			z, errZ := strconv.Atoi(ends[1])
			if errA != nil || errZ != nil {
				return fail(part, "malformed range")
			}
			if a > z {
				return fail(part, "inverted range")
			}
			lo, hi = a, z
		default:
			n, err := strconv.Atoi(rangePart)
			if err != nil {
				return fail(part, "malformed value")
			}
			lo, hi = n, n
			if stepped {
				hi = b.max
			}
		}
		if (lo < b.min && !fromZero) || hi > b.max {
			return fail(part, "value out of range "+strconv.Itoa(b.min)+"-"+strconv.Itoa(b.max))
		}
		for v := lo; v <= hi; v += step {
			if v >= b.min {
				seen[v] = struct{}{}
			}
		}
	}

	values := make([]int, 0, len(seen))
	for v := range seen {
		values = append(values, v)
	}
	sort.Ints(values)
	return Field{Values: values}, nil
}

// Matches reports whether t falls in a minute selected by e. t is evaluated
// in its own location.
func (e *Expression) Matches(t time.Time) bool {
	return e.Minute.Matches(t.Minute()) &&
		e.Hour.Matches(t.Hour()) &&
		e.dayMatches(t)
}

func (e *Expression) dayMatches(t time.Time) bool {
	return e.Date.Matches(t.Day()) &&
		e.Month.Matches(int(t.Month())-1) &&
		e.Weekday.Matches(int(t.Weekday()))
}

// maxSearch bounds Next for expressions that can never match, like
// February 31st.
const maxSearch = 5 * 366 * 24 * time.Hour

// Next returns the first matching minute strictly after t. ok is false when
// nothing matches within five years.
func (e *Expression) Next(t time.Time) (next time.Time, ok bool) {
	loc := t.Location()
	t = t.Truncate(time.Minute).Add(time.Minute)
	limit := t.Add(maxSearch)
	for t.Before(limit) {
		if !e.Month.Matches(int(t.Month()) - 1) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, loc)
			continue
		}
		if !e.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
			continue
		}
		if !e.Hour.Matches(t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, loc)
			continue
		}
		if !e.Minute.Matches(t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t, true
	}
	return time.Time{}, false
}

// String returns the expression as it was parsed.
func (e *Expression) String() string { return e.source }
