package consent

import (
	"strings"
	"time"
)

// Claims is the loosely-typed claim bag handed to the rule evaluator. Values
// follow encoding/json conventions: string, float64, bool, []any,
// map[string]any.
type Claims map[string]any

// birthdateAgeClaim is a computed pseudo-claim: the user's age in whole years
// derived from the birthdate claim.
const birthdateAgeClaim = "birthdate_age"

// birthdateLayouts are tried in order when parsing the birthdate claim.
var birthdateLayouts = []string{"2006-01-02", time.RFC3339}

// ResolveClaim resolves a dot-path against the claim bag. The second return
// is false when any path segment is missing or the value along the way is not
// traversable; callers treat that as "undefined". It never panics and never
// fails: a missing claim is a normal outcome, not an error.
func ResolveClaim(claims Claims, path string, now time.Time) (any, bool) {
	if path == birthdateAgeClaim {
		return resolveAge(claims, now)
	}

	var current any = map[string]any(claims)
	for _, segment := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// resolveAge computes whole years between the birthdate claim and now,
// decremented by one when the birthday has not yet been reached this year.
func resolveAge(claims Claims, now time.Time) (any, bool) {
	raw, ok := claims["birthdate"]
	if !ok {
		return nil, false
	}
	s, ok := raw.(string)
	if !ok {
		return nil, false
	}

	var birth time.Time
	var err error
	for _, layout := range birthdateLayouts {
		if birth, err = time.Parse(layout, s); err == nil {
			break
		}
	}
	if err != nil {
		return nil, false
	}

	age := now.Year() - birth.Year()
	if now.Month() < birth.Month() ||
		(now.Month() == birth.Month() && now.Day() < birth.Day()) {
		age--
	}
	return float64(age), true
}
