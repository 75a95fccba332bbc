package manifest

import "strings"

// RepresentationFilter narrows an Adaptation's representation ladder before
// ABR ranking (spec §4.4 "filtered representations" input).
type RepresentationFilter func([]*Representation) []*Representation

// DefaultFilter excludes trick-mode representations and any that are
// currently undecipherable, the same heuristic as the teacher's
// selectRepresentations (substring match on the representation ID) plus the
// decipherability check required by spec §7 item 7.
func DefaultFilter(reps []*Representation) []*Representation {
	out := make([]*Representation, 0, len(reps))
	for _, r := range reps {
		if strings.Contains(r.ID, "TrickMode") {
			continue
		}
		if !r.Decipherable() {
			continue
		}
		out = append(out, r)
	}
	return out
}
