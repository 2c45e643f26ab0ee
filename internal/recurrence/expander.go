// Package recurrence wraps the RFC-5545 rule engine behind a narrow boundary.
// No other package touches the rrule library directly: rule strings are
// normalized on every parse and every serialization, so upstream quirks
// (missing UTC "Z" on UNTIL, DTSTART leaking into serialized strings) never
// escape this package.
package recurrence

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"daybook/sync-service/internal/models"
)

// MaxInstances caps how many occurrences a single rule may materialize.
// Rules requesting more are silently truncated, never rejected.
const MaxInstances = 500

const untilLayout = "20060102T150405Z"

var untilPattern = regexp.MustCompile(`UNTIL=([0-9]{8}(?:T[0-9]{6}Z?)?)`)

// Expander expands recurrence rules into concrete occurrence instances and
// derives rule strings for series edits.
type Expander struct{}

// NewExpander returns a ready Expander.
func NewExpander() *Expander {
	return &Expander{}
}

// Expand materializes the ordered occurrence instances of a recurrence base.
// Occurrences are computed in the base's own timezone, capped at MaxInstances,
// and the base's own start instant is always the first occurrence even when
// the rule iterator fails to reproduce it.
func (x *Expander) Expand(base *models.Event) ([]*models.Event, error) {
	if !base.IsBase() {
		return nil, fmt.Errorf("expand: event %s has no recurrence rule", base.ID)
	}

	set, err := x.parseSet(base)
	if err != nil {
		return nil, err
	}

	start := base.StartAt.In(base.Location())
	times := make([]time.Time, 0, 64)

	next := set.Iterator()
	for len(times) < MaxInstances {
		occ, ok := next()
		if !ok {
			break
		}
		times = append(times, occ)
	}

	// DST and sub-second edge cases can make the iterator skip the base's
	// own start; re-insert it rather than dropping the first occurrence.
	if len(times) == 0 || times[0].After(start) {
		times = append([]time.Time{start}, times...)
		if len(times) > MaxInstances {
			times = times[:MaxInstances]
		}
	}

	instances := make([]*models.Event, 0, len(times))
	for _, occ := range times {
		instances = append(instances, x.instanceAt(base, occ))
	}
	return instances, nil
}

// instanceAt builds one occurrence instance: content fields are inherited
// from the base, the start/end shift the base's duration onto the occurrence
// instant, and the recurrence descriptor points back at the base instead of
// carrying the rule.
func (x *Expander) instanceAt(base *models.Event, occ time.Time) *models.Event {
	inst := &models.Event{
		ID:               models.NewEventID(),
		User:             base.User,
		Calendar:         base.Calendar,
		Title:            base.Title,
		Description:      base.Description,
		StartAt:          occ,
		EndAt:            occ.Add(base.Duration()),
		Timezone:         base.Timezone,
		AllDay:           base.AllDay,
		Status:           models.StatusConfirmed,
		Priority:         base.Priority,
		Origin:           base.Origin,
		RecurrenceBaseID: base.ID,
	}
	if base.ProviderID != "" {
		// Matches the provider's instance id convention.
		inst.ProviderID = fmt.Sprintf("%s_%s", base.ProviderID, occ.UTC().Format(untilLayout))
	}
	return inst
}

// RuleStrings returns the base's rule set normalized for storage: DTSTART and
// DTEND lines stripped, every UNTIL rewritten as UTC with the trailing "Z"
// the upstream serializer sometimes drops.
func (x *Expander) RuleStrings(base *models.Event) ([]string, error) {
	if !base.IsBase() {
		return nil, fmt.Errorf("rule strings: event %s has no recurrence rule", base.ID)
	}

	out := make([]string, 0, len(base.RecurrenceRule))
	for _, line := range base.RecurrenceRule {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		upper := strings.ToUpper(trimmed)
		if strings.HasPrefix(upper, "DTSTART") || strings.HasPrefix(upper, "DTEND") {
			continue
		}
		if !strings.ContainsRune(trimmed, ':') {
			trimmed = "RRULE:" + trimmed
		}
		normalized, err := x.normalizeUntil(trimmed, base.Location())
		if err != nil {
			return nil, err
		}
		out = append(out, normalized)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("rule strings: event %s has no iteration rule lines", base.ID)
	}
	return out, nil
}

// UntilBoundary reports the UNTIL instant of the base's rule in UTC. ok is
// false when no rule line carries an UNTIL.
func (x *Expander) UntilBoundary(base *models.Event) (time.Time, bool, error) {
	for _, line := range base.RecurrenceRule {
		m := untilPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		t, err := parseUntilValue(m[1], base.Location())
		if err != nil {
			return time.Time{}, false, fmt.Errorf("failed to parse UNTIL in %q: %w", line, err)
		}
		return t.UTC(), true, nil
	}
	return time.Time{}, false, nil
}

// SplitRule derives the truncated rule for a "this and following" edit: the
// returned rule ends strictly before splitPoint, ready to be stored on the
// original base while a new base continues the series.
func (x *Expander) SplitRule(base *models.Event, splitPoint time.Time) ([]string, error) {
	line, err := x.firstRuleLine(base)
	if err != nil {
		return nil, err
	}

	opt, err := rrule.StrToROptionInLocation(line, base.Location())
	if err != nil {
		return nil, fmt.Errorf("failed to parse rule %q: %w", line, err)
	}

	// UNTIL and COUNT are mutually exclusive; the truncation wins.
	opt.Count = 0
	opt.Until = splitPoint.Add(-time.Second).UTC()
	opt.Dtstart = time.Time{}

	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild truncated rule: %w", err)
	}

	serialized, err := x.normalizeUntil("RRULE:"+r.OrigOptions.RRuleString(), base.Location())
	if err != nil {
		return nil, err
	}
	return []string{serialized}, nil
}

// parseSet builds an rrule set from the stored rule lines, anchored at the
// base's start in its own timezone.
func (x *Expander) parseSet(base *models.Event) (*rrule.Set, error) {
	loc := base.Location()
	start := base.StartAt.In(loc)

	set := &rrule.Set{}
	set.DTStart(start)

	seenRule := false
	for _, line := range base.RecurrenceRule {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		upper := strings.ToUpper(trimmed)

		switch {
		case strings.HasPrefix(upper, "DTSTART"), strings.HasPrefix(upper, "DTEND"):
			// Never part of the stored rule; ignore leaked lines.
		case strings.HasPrefix(upper, "RRULE:"):
			if err := x.addRule(set, trimmed[len("RRULE:"):], start, loc); err != nil {
				return nil, err
			}
			seenRule = true
		case strings.HasPrefix(upper, "EXDATE"):
			if err := addDateList(trimmed, loc, set.ExDate); err != nil {
				return nil, err
			}
		case strings.HasPrefix(upper, "RDATE"):
			if err := addDateList(trimmed, loc, set.RDate); err != nil {
				return nil, err
			}
		case !strings.ContainsRune(trimmed, ':'):
			// Bare "FREQ=..." form.
			if err := x.addRule(set, trimmed, start, loc); err != nil {
				return nil, err
			}
			seenRule = true
		default:
			return nil, fmt.Errorf("unsupported recurrence line %q", line)
		}
	}

	if !seenRule {
		return nil, fmt.Errorf("event %s has no RRULE line", base.ID)
	}
	return set, nil
}

func (x *Expander) addRule(set *rrule.Set, value string, start time.Time, loc *time.Location) error {
	opt, err := rrule.StrToROptionInLocation(value, loc)
	if err != nil {
		return fmt.Errorf("failed to parse rule %q: %w", value, err)
	}
	opt.Dtstart = start

	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return fmt.Errorf("failed to build rule %q: %w", value, err)
	}
	set.RRule(r)
	return nil
}

func (x *Expander) firstRuleLine(base *models.Event) (string, error) {
	for _, line := range base.RecurrenceRule {
		trimmed := strings.TrimSpace(line)
		upper := strings.ToUpper(trimmed)
		if strings.HasPrefix(upper, "RRULE:") {
			return trimmed[len("RRULE:"):], nil
		}
		if trimmed != "" && !strings.ContainsRune(trimmed, ':') {
			return trimmed, nil
		}
	}
	return "", fmt.Errorf("event %s has no RRULE line", base.ID)
}

// normalizeUntil rewrites every UNTIL value in the line as UTC with the
// trailing "Z". The upstream serializer drops the "Z" for some inputs, which
// downstream consumers reject; repair on every boundary crossing.
func (x *Expander) normalizeUntil(line string, loc *time.Location) (string, error) {
	var parseErr error
	out := untilPattern.ReplaceAllStringFunc(line, func(match string) string {
		value := strings.TrimPrefix(match, "UNTIL=")
		t, err := parseUntilValue(value, loc)
		if err != nil {
			parseErr = fmt.Errorf("failed to parse UNTIL in %q: %w", line, err)
			return match
		}
		return "UNTIL=" + t.UTC().Format(untilLayout)
	})
	if parseErr != nil {
		return "", parseErr
	}
	return out, nil
}

func parseUntilValue(value string, loc *time.Location) (time.Time, error) {
	if strings.HasSuffix(value, "Z") {
		return time.Parse(untilLayout, value)
	}
	if t, err := time.ParseInLocation("20060102T150405", value, loc); err == nil {
		return t, nil
	}
	return time.ParseInLocation("20060102", value, loc)
}

// addDateList parses an EXDATE/RDATE line and feeds each date to add.
func addDateList(line string, loc *time.Location, add func(time.Time)) error {
	idx := strings.IndexRune(line, ':')
	if idx < 0 {
		return fmt.Errorf("malformed date list line %q", line)
	}
	prefix, values := line[:idx], line[idx+1:]

	if tzidx := strings.Index(strings.ToUpper(prefix), "TZID="); tzidx >= 0 {
		name := prefix[tzidx+len("TZID="):]
		if l, err := time.LoadLocation(name); err == nil {
			loc = l
		}
	}

	for _, value := range strings.Split(values, ",") {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		t, err := parseUntilValue(value, loc)
		if err != nil {
			return fmt.Errorf("failed to parse date %q: %w", value, err)
		}
		add(t)
	}
	return nil
}
