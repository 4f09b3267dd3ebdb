package schedule

import (
	"strings"
	"testing"
	"time"

	"chronos/internal/domain"
)

var fixedNow = time.Date(2025, 3, 10, 8, 15, 30, 0, time.UTC)

func TestNormalizeRecurring(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "minutes", raw: "5 min", want: "*/5 * * * *"},
		{name: "minutes long", raw: "15 minutes", want: "*/15 * * * *"},
		{name: "hours", raw: "2 h", want: "0 */2 * * *"},
		{name: "hours pt", raw: "3 horas", want: "0 */3 * * *"},
		{name: "days via hours", raw: "48 h", want: "0 0 */2 * *"},
		{name: "daily at", raw: "daily at 9:30", want: "30 9 * * *"},
		{name: "every day", raw: "Every  Day at 7", want: "0 7 * * *"},
		{name: "accented pt", raw: "todos os dias às 7", want: "0 7 * * *"},
		{name: "todo dia", raw: "todo dia 18:05", want: "5 18 * * *"},
		{name: "raw cron", raw: "0 12 * * 1-5", want: "0 12 * * 1-5"},
		{name: "descriptor", raw: "@daily", want: "@daily"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Normalize(tt.raw, "UTC", fixedNow)
			if err != nil {
				t.Fatalf("Normalize(%q) error: %v", tt.raw, err)
			}
			if got.Kind != Recurring {
				t.Fatalf("Kind = %v, want recurring", got.Kind)
			}
			if got.Expr != tt.want {
				t.Fatalf("Expr = %q, want %q", got.Expr, tt.want)
			}
			if !got.Next.After(fixedNow) {
				t.Fatalf("Next = %v, want after %v", got.Next, fixedNow)
			}
		})
	}
}

func TestNormalizeOneShot(t *testing.T) {
	t.Parallel()
	got, err := Normalize("in 10 min", "UTC", fixedNow)
	if err != nil {
		t.Fatalf("Normalize error: %v", err)
	}
	if got.Kind != OneShot || got.IsRecurring() {
		t.Fatalf("Kind = %v, want one-shot", got.Kind)
	}
	if got.Expr != "in 10 min" {
		t.Fatalf("Expr = %q, want %q", got.Expr, "in 10 min")
	}
	if want := fixedNow.Add(10 * time.Minute); !got.Next.Equal(want) {
		t.Fatalf("Next = %v, want %v", got.Next, want)
	}

	got, err = Normalize("IN 2 Hours", "America/Sao_Paulo", fixedNow)
	if err != nil {
		t.Fatalf("Normalize error: %v", err)
	}
	if got.Expr != "in 2 h" || !got.Next.Equal(fixedNow.Add(2*time.Hour)) {
		t.Fatalf("got %+v, want in 2 h at now+2h", got)
	}
}

func TestNormalizeRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		tz      string
		message string
	}{
		{raw: "25 h", message: "invalid hourly interval"},
		{raw: "0 min", message: "invalid interval"},
		{raw: "in 0 h", message: "invalid interval"},
		{raw: "in 3000000 h", message: "invalid interval"},
		{raw: "in 99999999999 min", message: "invalid interval"},
		{raw: "daily at 24:00", message: "invalid daily time"},
		{raw: "daily at 7:61", message: "invalid daily time"},
		{raw: "not a schedule", message: "invalid cron expression"},
		{raw: "", message: "schedule is required"},
		{raw: "5 min", tz: "Mars/Olympus", message: "invalid timezone"},
	}
	for _, tt := range tests {
		_, err := Normalize(tt.raw, tt.tz, fixedNow)
		if err == nil {
			t.Fatalf("Normalize(%q) error = nil, want %q", tt.raw, tt.message)
		}
		if !domain.IsValidation(err) {
			t.Fatalf("Normalize(%q) error = %T, want ValidationError", tt.raw, err)
		}
		if !strings.Contains(err.Error(), tt.message) {
			t.Fatalf("Normalize(%q) error = %q, want it to contain %q", tt.raw, err, tt.message)
		}
	}
}

func TestNextHonorsTimezone(t *testing.T) {
	t.Parallel()
	// 09:00 in Sao Paulo (UTC-3) is 12:00 UTC.
	next, err := Next("0 9 * * *", "America/Sao_Paulo", fixedNow)
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	want := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("Next = %v, want %v", next.UTC(), want)
	}
}

func TestNextIsStrictlyAfter(t *testing.T) {
	t.Parallel()
	at := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	next, err := Next("0 9 * * *", "UTC", at)
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	if !next.After(at) {
		t.Fatalf("Next = %v, want strictly after %v", next, at)
	}
}

func TestFold(t *testing.T) {
	t.Parallel()
	if got := Fold("  Todos   os DIAS  às 7 "); got != "todos os dias as 7" {
		t.Fatalf("Fold = %q", got)
	}
}
