package filter

import "fmt"

// Rules is the allow/deny rule set of one destination.
//
// Precedence:
//  1. A path matching any Implicit filter is excluded.
//  2. A path matching the blacklist (patterns or regex) is excluded.
//  3. If a whitelist is configured (patterns and/or regex), the path must
//     match at least one of its entries.
//  4. Otherwise the path is included.
type Rules struct {
	Implicit   []Filter
	WhiteList  []Filter
	BlackList  []Filter
	WhiteRegex *Regex
	BlackRegex *Regex
}

// Spec is the textual form of a rule set as stored in task files.
type Spec struct {
	WhiteList  []string
	BlackList  []string
	WhiteRegex string
	BlackRegex string
}

// Compile builds Rules from their textual form. implicit filters are
// prepended to every rule set (e.g. the temporary copy suffix).
func Compile(spec Spec, implicit ...Filter) (*Rules, error) {
	r := &Rules{Implicit: implicit}
	var err error
	if r.WhiteList, err = compileWildcards("whiteList", spec.WhiteList); err != nil {
		return nil, err
	}
	if r.BlackList, err = compileWildcards("blackList", spec.BlackList); err != nil {
		return nil, err
	}
	if spec.WhiteRegex != "" {
		if r.WhiteRegex, err = NewRegex(spec.WhiteRegex); err != nil {
			return nil, fmt.Errorf("whiteListRegex: %w", err)
		}
	}
	if spec.BlackRegex != "" {
		if r.BlackRegex, err = NewRegex(spec.BlackRegex); err != nil {
			return nil, fmt.Errorf("blackListRegex: %w", err)
		}
	}
	return r, nil
}

func compileWildcards(field string, patterns []string) ([]Filter, error) {
	var out []Filter
	for _, p := range patterns {
		w, err := NewWildcard(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		out = append(out, w)
	}
	return out, nil
}

// TempSuffix returns the implicit filter that hides in-flight copies.
func TempSuffix(suffix string) Filter {
	w, err := NewWildcard("*" + suffix)
	if err != nil {
		// Only an empty pattern fails, and "*" alone is never empty.
		panic(err)
	}
	return w
}

// Excluded reports whether path must be skipped.
func (r *Rules) Excluded(path string) bool {
	if r == nil {
		return false
	}
	if anyMatch(r.Implicit, path) {
		return true
	}
	if anyMatch(r.BlackList, path) || (r.BlackRegex != nil && r.BlackRegex.Matches(path)) {
		return true
	}
	if len(r.WhiteList) == 0 && r.WhiteRegex == nil {
		return false
	}
	if anyMatch(r.WhiteList, path) || (r.WhiteRegex != nil && r.WhiteRegex.Matches(path)) {
		return false
	}
	return true
}

// Spec returns the textual form of r, without the implicit filters.
func (r *Rules) Spec() Spec {
	var s Spec
	if r == nil {
		return s
	}
	for _, f := range r.WhiteList {
		s.WhiteList = append(s.WhiteList, f.String())
	}
	for _, f := range r.BlackList {
		s.BlackList = append(s.BlackList, f.String())
	}
	if r.WhiteRegex != nil {
		s.WhiteRegex = r.WhiteRegex.String()
	}
	if r.BlackRegex != nil {
		s.BlackRegex = r.BlackRegex.String()
	}
	return s
}

func anyMatch(filters []Filter, path string) bool {
	for _, f := range filters {
		if f.Matches(path) {
			return true
		}
	}
	return false
}
