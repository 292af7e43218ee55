package logview

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Filter selects and orders entries. Zero values disable a criterion.
type Filter struct {
	MinLevel Severity
	Since    time.Time
	Until    time.Time
	Search   string
	Regex    bool // treat Search as a regular expression
	Limit    int
}

// Apply returns the matching entries newest first: by index descending, and
// by time descending where indexes are equal. The input is not modified.
func (f Filter) Apply(entries []Entry) ([]Entry, error) {
	match, err := f.matcher()
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Level < f.MinLevel {
			continue
		}
		if !f.Since.IsZero() && e.Time.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && e.Time.After(f.Until) {
			continue
		}
		if match != nil && !match(e.Message) {
			continue
		}
		out = append(out, e)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Index != out[j].Index {
			return out[i].Index > out[j].Index
		}
		return out[i].Time.After(out[j].Time)
	})

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (f Filter) matcher() (func(string) bool, error) {
	if f.Search == "" {
		return nil, nil
	}
	if f.Regex {
		re, err := regexp.Compile(f.Search)
		if err != nil {
			return nil, fmt.Errorf("invalid search pattern: %w", err)
		}
		return re.MatchString, nil
	}
	needle := strings.ToLower(f.Search)
	return func(s string) bool {
		return strings.Contains(strings.ToLower(s), needle)
	}, nil
}
