package token

import "github.com/gobwas/glob"

// originMatches checks a presented Origin header against the token's
// allowed_origin glob. Patterns match the whole origin with no separator
// characters, so "*.example.com" covers any subdomain and
// "https://app.example.com" is an exact match.
func originMatches(pattern, origin string) bool {
	g, err := glob.Compile(pattern)
	if err != nil {
		// Patterns are validated at issue time; an uncompilable stored
		// pattern can only deny.
		return false
	}
	return g.Match(origin)
}

// validOriginPattern reports whether a requested allowed_origin compiles.
func validOriginPattern(pattern string) bool {
	_, err := glob.Compile(pattern)
	return pattern != "" && err == nil
}
