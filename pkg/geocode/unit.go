package geocode

import "strings"

// unitTokens are the designators that introduce a secondary unit in a US
// mailing address. Matched against lowercased whole tokens.
var unitTokens = map[string]bool{
	"apartment": true,
	"apt":       true,
	"suite":     true,
	"ste":       true,
	"unit":      true,
	"space":     true,
	"spc":       true,
	"lot":       true,
	"bldg":      true,
	"building":  true,
	"#":         true,
}

// ExtractUnit splits a raw address into its base street address and a unit
// designator. "123 Main St Apt 4B" yields ("123 Main St", "4b"). Geocoding
// runs against the base so two units in one building land on the same rooftop;
// the unit is kept separately to tell the places apart.
func ExtractUnit(address string) (base string, unit string) {
	fields := strings.Fields(address)
	for i, field := range fields {
		token := strings.ToLower(strings.TrimRight(field, ".,"))
		if strings.HasPrefix(token, "#") && len(token) > 1 {
			// "#4B" carries the unit in the same token
			base = strings.Join(fields[:i], " ")
			unit = strings.ToLower(strings.Join(append([]string{token[1:]}, fields[i+1:]...), " "))
			return base, strings.TrimSpace(unit)
		}
		if unitTokens[token] && i > 0 && i < len(fields)-1 && looksLikeUnit(fields[i+1]) {
			base = strings.Join(fields[:i], " ")
			unit = strings.ToLower(strings.Join(fields[i+1:], " "))
			return base, unit
		}
	}
	return address, ""
}

// looksLikeUnit reports whether a token is plausibly a unit number rather
// than part of the street name, as in "12 Unit St". Unit numbers carry a
// digit or are a single letter.
func looksLikeUnit(field string) bool {
	token := strings.ToLower(strings.TrimRight(field, ".,"))
	if token == "" {
		return false
	}
	if len(token) == 1 {
		return true
	}
	return strings.ContainsAny(token, "0123456789")
}
