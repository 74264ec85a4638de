package cron

import (
	"errors"
	"reflect"
	"testing"
	"time"

	fleeterrors "github.com/mirkobrombin/go-fleet/v1/errors"
)

func TestParseExpandsFields(t *testing.T) {
	tests := []struct {
		spec string
		want []int
	}{
		{"*/15 * * * *", []int{0, 15, 30, 45}},
		{"1-5 * * * *", []int{1, 2, 3, 4, 5}},
		{"1,1,2-3,3 * * * *", []int{1, 2, 3}},
		{"0-30/10 * * * *", []int{0, 10, 20, 30}},
		{"5/20 * * * *", []int{5, 25, 45}},
		{"59 * * * *", []int{59}},
	}
	for _, tt := range tests {
		e, err := Parse(tt.spec)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tt.spec, err)
		}
		if e.Minute.Wildcard {
			t.Fatalf("Parse(%q): minute should not be a wildcard", tt.spec)
		}
		if !reflect.DeepEqual(e.Minute.Values, tt.want) {
			t.Errorf("Parse(%q) minute = %v, want %v", tt.spec, e.Minute.Values, tt.want)
		}
		if !e.Hour.Wildcard || !e.Weekday.Wildcard {
			t.Errorf("Parse(%q): expected wildcard hour and weekday", tt.spec)
		}
	}
}

func TestParseStepCountsFromZero(t *testing.T) {
	tests := []struct {
		spec string
		want []int
	}{
		{"0 0 */10 * *", []int{10, 20, 30}},
		{"0 0 */31 * *", []int{31}},
		{"0 0 */1 * *", nil},
	}
	for _, tt := range tests {
		e := MustParse(tt.spec)
		if tt.want == nil {
			if len(e.Date.Values) != 31 || e.Date.Values[0] != 1 {
				t.Fatalf("Parse(%q) date = %v", tt.spec, e.Date.Values)
			}
			continue
		}
		if !reflect.DeepEqual(e.Date.Values, tt.want) {
			t.Fatalf("Parse(%q) date = %v, want %v", tt.spec, e.Date.Values, tt.want)
		}
	}
	if e := MustParse("0 */5 * * *"); !reflect.DeepEqual(e.Hour.Values, []int{0, 5, 10, 15, 20}) {
		t.Fatalf("unexpected hour values %v", e.Hour.Values)
	}
	if MustParse("0 0 */10 * *").Matches(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatal("*/10 should not select the first of the month")
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	tests := []struct {
		spec  string
		token string
	}{
		{"* * * *", ""},
		{"* * * * * *", ""},
		{"a * * * *", "a"},
		{"5-1 * * * *", "5-1"},
		{"*/0 * * * *", "*/0"},
		{"*/61 * * * *", "*/61"},
		{"60 * * * *", "60"},
		{"* 24 * * *", "24"},
		{"* * 0 * *", "0"},
		{"* * * 12 *", "12"},
		{"* * * * 7", "7"},
		{"1,,2 * * * *", "1,,2"},
		{"1-2-3 * * * *", "1-2-3"},
		{"@fortnightly", "@fortnightly"},
	}
	for _, tt := range tests {
		_, err := Parse(tt.spec)
		if !errors.Is(err, fleeterrors.ErrMalformedCron) {
			t.Fatalf("Parse(%q): expected ErrMalformedCron, got %v", tt.spec, err)
		}
		var ce *fleeterrors.CronError
		if !errors.As(err, &ce) {
			t.Fatalf("Parse(%q): expected *CronError", tt.spec)
		}
		if ce.Token != tt.token {
			t.Errorf("Parse(%q): token %q, want %q", tt.spec, ce.Token, tt.token)
		}
	}
}

func TestParseDescriptors(t *testing.T) {
	e := MustParse("@weekly")
	if !reflect.DeepEqual(e.Weekday.Values, []int{0}) || e.String() != "@weekly" {
		t.Fatalf("unexpected weekly expression %+v", e)
	}
	e = MustParse("@yearly")
	if !reflect.DeepEqual(e.Month.Values, []int{0}) || !reflect.DeepEqual(e.Date.Values, []int{1}) {
		t.Fatalf("yearly should fire on January 1st, got %+v", e)
	}
	if !MustParse("@always").Matches(time.Now()) {
		t.Fatal("@always should match any time")
	}
}

func TestMatchesUsesZeroBasedMonthAndSundayZero(t *testing.T) {
	// 2024-01-07 was a Sunday.
	sunday := time.Date(2024, time.January, 7, 12, 30, 0, 0, time.UTC)
	if !MustParse("30 12 7 0 0").Matches(sunday) {
		t.Fatal("January should be month 0 and Sunday weekday 0")
	}
	if MustParse("30 12 7 1 *").Matches(sunday) {
		t.Fatal("month 1 is February")
	}
	if MustParse("* * * * 1").Matches(sunday) {
		t.Fatal("weekday 1 is Monday")
	}
	if !Always().Matches(sunday) {
		t.Fatal("Always should match")
	}
}

func TestNext(t *testing.T) {
	// 2024-03-03 was a Sunday.
	from := time.Date(2024, time.March, 3, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		spec string
		want time.Time
	}{
		{"30 9 * * 1", time.Date(2024, time.March, 4, 9, 30, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2024, time.March, 3, 10, 15, 0, 0, time.UTC)},
		{"0 0 1 0 *", time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)},
		{"0 0 29 1 *", time.Date(2028, time.February, 29, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, ok := MustParse(tt.spec).Next(from)
		if !ok || !got.Equal(tt.want) {
			t.Errorf("Next(%q) = %v %v, want %v", tt.spec, got, ok, tt.want)
		}
	}
	if _, ok := MustParse("0 0 31 1 *").Next(from); ok {
		t.Fatal("February 31st should never match")
	}
}
