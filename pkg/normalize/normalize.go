// Package normalize canonicalizes raw identifier strings into comparable keys
package normalize

import (
	"strings"
	"unicode"
)

// Normalizer is a function that normalizes a string value. Normalizers that
// can reject their input return "" for unusable values.
type Normalizer func(string) string

// registry holds all registered normalizers
var registry = make(map[string]Normalizer)

func init() {
	Register("lowercase", Lowercase)
	Register("trim", Trim)
	Register("nemail", Email)
	Register("nphone", Phone)
	Register("nname", Name)
	Register("naddress", Address)
	Register("nmicrochip", Microchip)
	Register("digits_only", DigitsOnly)
}

// Register adds a normalizer to the registry
func Register(name string, fn Normalizer) {
	registry[name] = fn
}

// Get retrieves a normalizer by name
func Get(name string) (Normalizer, bool) {
	fn, ok := registry[name]
	return fn, ok
}

// Apply applies a named normalizer to a value
func Apply(value, normalizer string) string {
	fn, ok := registry[normalizer]
	if !ok {
		return value
	}
	return fn(value)
}

// ApplyChain applies multiple normalizers in sequence
func ApplyChain(value string, normalizers ...string) string {
	result := value
	for _, name := range normalizers {
		result = Apply(result, name)
	}
	return result
}

// Lowercase converts string to lowercase
func Lowercase(s string) string {
	return strings.ToLower(s)
}

// Trim removes leading and trailing whitespace
func Trim(s string) string {
	return strings.TrimSpace(s)
}

// DigitsOnly keeps only digit characters
func DigitsOnly(s string) string {
	var result strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Email normalizes an email address: lowercase, trim, and strip "+tag"
// subaddressing from the local part. Idempotent: normalizing twice yields the
// same result as normalizing once. Returns "" for values with no "@".
func Email(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	at := strings.LastIndex(s, "@")
	if at <= 0 || at == len(s)-1 {
		return ""
	}

	local, domain := s[:at], s[at+1:]
	if plus := strings.Index(local, "+"); plus >= 0 {
		local = local[:plus]
	}
	if local == "" {
		return ""
	}

	return local + "@" + domain
}

// Phone strips all non-digits, drops a leading US country code when exactly 11
// digits remain, and returns "" when fewer than 10 digits remain. Short
// numeric fragments must never become lookup keys.
func Phone(s string) string {
	digits := DigitsOnly(s)
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	if len(digits) < 10 {
		return ""
	}
	return digits
}

// AreaCode returns the area code of a normalized US phone number
func AreaCode(normalizedPhone string) string {
	if len(normalizedPhone) < 3 {
		return ""
	}
	return normalizedPhone[:3]
}

// Microchip validates and normalizes a microchip number. Chips are 9, 10, or
// 15 digit values (AVID, FDXA, ISO). Placeholder runs of a single repeated
// digit are rejected.
func Microchip(s string) string {
	digits := DigitsOnly(s)
	switch len(digits) {
	case 9, 10, 15:
	default:
		return ""
	}

	same := true
	for i := 1; i < len(digits); i++ {
		if digits[i] != digits[0] {
			same = false
			break
		}
	}
	if same {
		return ""
	}

	return digits
}

// Name normalizes a person's name for matching: lowercase, collapse
// whitespace, drop punctuation and common suffixes.
func Name(s string) string {
	s = strings.ToLower(s)

	suffixes := []string{" jr.", " jr", " sr.", " sr", " iii", " ii", " iv", " phd", " md", " dvm"}
	for _, suffix := range suffixes {
		if strings.HasSuffix(s, suffix) {
			s = s[:len(s)-len(suffix)]
		}
	}

	var result strings.Builder
	prevSpace := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			result.WriteRune(r)
			prevSpace = false
		} else if unicode.IsSpace(r) {
			if !prevSpace {
				result.WriteRune(' ')
				prevSpace = true
			}
		}
	}

	return strings.TrimSpace(result.String())
}

// addressAbbreviations maps long street-suffix and directional tokens to
// their abbreviated forms
var addressAbbreviations = map[string]string{
	"street":    "st",
	"avenue":    "ave",
	"boulevard": "blvd",
	"drive":     "dr",
	"road":      "rd",
	"lane":      "ln",
	"court":     "ct",
	"circle":    "cir",
	"highway":   "hwy",
	"place":     "pl",
	"north":     "n",
	"south":     "s",
	"east":      "e",
	"west":      "w",
}

// Address normalizes an address string for exact-match lookup and cache keys:
// lowercase, collapse whitespace, drop punctuation, abbreviate street suffixes.
func Address(s string) string {
	s = strings.ToLower(s)

	var cleaned strings.Builder
	prevSpace := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cleaned.WriteRune(r)
			prevSpace = false
		} else if unicode.IsSpace(r) || r == ',' || r == '.' || r == '#' || r == '-' || r == '/' {
			if !prevSpace {
				cleaned.WriteRune(' ')
				prevSpace = true
			}
		}
	}

	tokens := strings.Fields(cleaned.String())
	for i, token := range tokens {
		if short, ok := addressAbbreviations[token]; ok {
			tokens[i] = short
		}
	}

	return strings.Join(tokens, " ")
}
