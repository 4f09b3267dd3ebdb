package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/robfig/cron/v3"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"chronos/internal/domain"
)

// Kind separates the two canonical schedule representations.
type Kind int

const (
	// Recurring schedules carry a 5-field cron expression.
	Recurring Kind = iota
	// OneShot schedules carry an absolute instant plus the literal interval text.
	OneShot
)

func (k Kind) String() string {
	if k == OneShot {
		return "one-shot"
	}
	return "recurring"
}

// Schedule is the normalized form of an operator schedule string.
type Schedule struct {
	Kind Kind
	// Expr is the cron expression (Recurring) or "in N min" / "in N h" (OneShot).
	Expr string
	// Next is the first occurrence after now.
	Next time.Time
}

func (s Schedule) IsRecurring() bool { return s.Kind == Recurring }

// Standard 5-field cron plus descriptors (@daily, @every 5m).
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var (
	reInMinutes    = regexp.MustCompile(`^in\s+(\d+)\s*(min|mins|minute|minutes)$`)
	reInHours      = regexp.MustCompile(`^in\s+(\d+)\s*(h|hr|hrs|hour|hours|hora|horas)$`)
	reEveryMinutes = regexp.MustCompile(`^(\d+)\s*(min|mins|minute|minutes)$`)
	reEveryHours   = regexp.MustCompile(`^(\d+)\s*(h|hr|hrs|hour|hours|hora|horas)$`)
	reDailyAt      = regexp.MustCompile(`^(every\s+day|daily|todo\s+dia|todos\s+os\s+dias)\s+(?:at\s+|as\s+)?(\d{1,2})(?::(\d{2}))?$`)
	reSpaces       = regexp.MustCompile(`\s+`)
)

// Fold strips accents, collapses whitespace and lowercases s.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	out = reSpaces.ReplaceAllString(out, " ")
	return strings.ToLower(strings.TrimSpace(out))
}

// Normalize parses a schedule string. Rules, first match wins:
//
//	in N min|h             one-shot at now+N
//	N min                  */N * * * *
//	N h                    0 */N * * * (N<=23) or 0 0 */D * * (N multiple of 24)
//	daily [at] H[:MM]      MM H * * *
//	anything else          raw cron, validated by computing its next run
func Normalize(input, tz string, now time.Time) (Schedule, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return Schedule{}, domain.Invalid("cron", "schedule is required")
	}
	loc, err := LoadLocation(tz)
	if err != nil {
		return Schedule{}, err
	}
	s := Fold(raw)

	if m := reInMinutes.FindStringSubmatch(s); m != nil {
		n, err := offset(m[1], time.Minute, input)
		if err != nil {
			return Schedule{}, err
		}
		return Schedule{Kind: OneShot, Expr: fmt.Sprintf("in %d min", n), Next: now.In(loc).Add(time.Duration(n) * time.Minute)}, nil
	}
	if m := reInHours.FindStringSubmatch(s); m != nil {
		n, err := offset(m[1], time.Hour, input)
		if err != nil {
			return Schedule{}, err
		}
		return Schedule{Kind: OneShot, Expr: fmt.Sprintf("in %d h", n), Next: now.In(loc).Add(time.Duration(n) * time.Hour)}, nil
	}

	expr, err := recurringExpr(s, raw, input)
	if err != nil {
		return Schedule{}, err
	}
	next, err := Next(expr, tz, now)
	if err != nil {
		return Schedule{}, err
	}
	return Schedule{Kind: Recurring, Expr: expr, Next: next}, nil
}

func recurringExpr(s, raw, input string) (string, error) {
	if m := reEveryMinutes.FindStringSubmatch(s); m != nil {
		n, err := positive(m[1], input)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("*/%d * * * *", n), nil
	}
	if m := reEveryHours.FindStringSubmatch(s); m != nil {
		n, err := positive(m[1], input)
		if err != nil {
			return "", err
		}
		switch {
		case n <= 23:
			return fmt.Sprintf("0 */%d * * *", n), nil
		case n%24 == 0:
			return fmt.Sprintf("0 0 */%d * *", n/24), nil
		default:
			return "", domain.Invalid("cron", fmt.Sprintf("invalid hourly interval (use <=23h or multiples of 24h): %s", input))
		}
	}
	if m := reDailyAt.FindStringSubmatch(s); m != nil {
		hour, herr := strconv.Atoi(m[2])
		minute := 0
		var merr error
		if m[3] != "" {
			minute, merr = strconv.Atoi(m[3])
		}
		if herr != nil || merr != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
			return "", domain.Invalid("cron", fmt.Sprintf("invalid daily time: %s", input))
		}
		return fmt.Sprintf("%d %d * * *", minute, hour), nil
	}
	return raw, nil
}

func positive(digits, input string) (int, error) {
	n, err := strconv.Atoi(digits)
	if err != nil || n <= 0 {
		return 0, domain.Invalid("cron", fmt.Sprintf("invalid interval: %s", input))
	}
	return n, nil
}

// maxOffset bounds one-shot delays so n*unit never overflows time.Duration.
const maxOffset = 10 * 365 * 24 * time.Hour

func offset(digits string, unit time.Duration, input string) (int, error) {
	n, err := positive(digits, input)
	if err != nil {
		return 0, err
	}
	if int64(n) > int64(maxOffset/unit) {
		return 0, domain.Invalid("cron", fmt.Sprintf("invalid interval: %s", input))
	}
	return n, nil
}

// Next returns the first occurrence of expr strictly after `after`, evaluated
// in tz.
func Next(expr, tz string, after time.Time) (time.Time, error) {
	loc, err := LoadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}
	sched, err := parser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return time.Time{}, domain.Invalid("cron", fmt.Sprintf("invalid cron expression: %s", expr))
	}
	next := sched.Next(after.In(loc))
	if next.IsZero() {
		return time.Time{}, domain.Invalid("cron", fmt.Sprintf("invalid cron expression: %s", expr))
	}
	return next, nil
}

// LoadLocation resolves an IANA zone; empty means UTC.
func LoadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "utc") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, domain.Invalid("timezone", fmt.Sprintf("invalid timezone: %s", tz))
	}
	return loc, nil
}
