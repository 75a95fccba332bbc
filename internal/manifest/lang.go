package manifest

import "golang.org/x/text/language"

// NormalizeLang canonicalizes a BCP-47 language tag the way the broader
// pack's server stacks do at ingestion time, so downstream track-selection
// comparisons ("is this the user's preferred audio language?") are
// string-equality instead of ad hoc case/region folding. Invalid or empty
// tags are returned unchanged.
func NormalizeLang(tag string) string {
	if tag == "" {
		return tag
	}
	t, err := language.Parse(tag)
	if err != nil {
		return tag
	}
	return t.String()
}

// MatchesLang reports whether an Adaptation's normalized language matches
// preferred under BCP-47 matching rules (e.g. "en" matches "en-US").
func MatchesLang(adaptationLang, preferred string) bool {
	if preferred == "" {
		return true
	}
	want, err := language.Parse(preferred)
	if err != nil {
		return adaptationLang == preferred
	}
	have, err := language.Parse(adaptationLang)
	if err != nil {
		return adaptationLang == preferred
	}
	base1, _ := want.Base()
	base2, _ := have.Base()
	return base1 == base2
}
