package retrieval

import (
	"sort"
	"strings"
)

// EntityLexicon maps short-form vehicle aliases (lowercase) to canonical
// names. Comparison detection is driven entirely by this injected table,
// so the vocabulary can be extended or swapped without touching the
// orchestrator.
type EntityLexicon map[string]string

// DefaultEntityLexicon returns the built-in closed set of vehicle aliases.
func DefaultEntityLexicon() EntityLexicon {
	return EntityLexicon{
		"civic":   "Honda Civic",
		"camry":   "Toyota Camry",
		"f-150":   "Ford F-150",
		"f150":    "Ford F-150",
		"model 3": "Tesla Model 3",
	}
}

// comparisonTriggers is the closed vocabulary of words that, together
// with two or more recognized entities, mark a query as a comparison.
var comparisonTriggers = map[string]struct{}{
	"compare":    {},
	"vs":         {},
	"versus":     {},
	"between":    {},
	"difference": {},
}

// comparison describes a detected multi-entity comparison query.
type comparison struct {
	// entities are canonical names, in order of first appearance,
	// deduplicated.
	entities []string
}

// detectComparison scans the lowercased query for trigger words and
// entity aliases. A query is a comparison iff it contains at least one
// trigger and resolves at least two distinct canonical entities.
// Unrecognized vehicle names or phrasing fall through to the normal path.
func detectComparison(query string, lexicon EntityLexicon) (comparison, bool) {
	lowered := strings.ToLower(query)

	hasTrigger := false
	for _, tok := range tokenizeQuery(lowered) {
		if _, ok := comparisonTriggers[tok]; ok {
			hasTrigger = true
			break
		}
	}
	if !hasTrigger {
		return comparison{}, false
	}

	// Scan aliases longest-first so "model 3" wins over any shorter
	// alias it might contain.
	aliases := make([]string, 0, len(lexicon))
	for alias := range lexicon {
		aliases = append(aliases, alias)
	}
	sort.Slice(aliases, func(i, j int) bool {
		if len(aliases[i]) != len(aliases[j]) {
			return len(aliases[i]) > len(aliases[j])
		}
		return aliases[i] < aliases[j]
	})

	seen := make(map[string]struct{})
	type hit struct {
		pos       int
		canonical string
	}
	var hits []hit
	for _, alias := range aliases {
		pos := indexWord(lowered, alias)
		if pos < 0 {
			continue
		}
		canonical := lexicon[alias]
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}
		hits = append(hits, hit{pos: pos, canonical: canonical})
	}
	if len(hits) < 2 {
		return comparison{}, false
	}

	// Order of first appearance in the query.
	sort.Slice(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })
	entities := make([]string, len(hits))
	for i, h := range hits {
		entities[i] = h.canonical
	}
	return comparison{entities: entities}, true
}

// deriveEntityQuery builds the per-entity sub-query: the original query
// stripped of every recognized alias and trigger word, with the entity's
// canonical name appended.
func deriveEntityQuery(query string, lexicon EntityLexicon, canonical string) string {
	lowered := strings.ToLower(query)

	for alias := range lexicon {
		lowered = removeWord(lowered, alias)
	}

	kept := make([]string, 0, 8)
	for _, tok := range strings.Fields(lowered) {
		if _, trigger := comparisonTriggers[tok]; trigger {
			continue
		}
		kept = append(kept, tok)
	}
	kept = append(kept, canonical)
	return strings.Join(kept, " ")
}

// tokenizeQuery splits on whitespace and trims leading/trailing
// punctuation so "vs." matches the trigger "vs".
func tokenizeQuery(lowered string) []string {
	fields := strings.Fields(lowered)
	for i, f := range fields {
		fields[i] = strings.Trim(f, ".,;:!?\"'()")
	}
	return fields
}

// indexWord finds alias as a whole-word substring of lowered, returning
// its byte offset or -1. Word boundaries are non-letter, non-digit runes,
// so "civic" does not match inside "civics" but "f-150" matches as a unit.
func indexWord(lowered, alias string) int {
	for from := 0; ; {
		pos := strings.Index(lowered[from:], alias)
		if pos < 0 {
			return -1
		}
		pos += from
		if boundedAt(lowered, pos, len(alias)) {
			return pos
		}
		from = pos + 1
	}
}

// removeWord deletes every whole-word occurrence of alias from lowered.
func removeWord(lowered, alias string) string {
	for {
		pos := indexWord(lowered, alias)
		if pos < 0 {
			return lowered
		}
		lowered = lowered[:pos] + " " + lowered[pos+len(alias):]
	}
}

// boundedAt reports whether the substring at [pos, pos+length) sits on
// word boundaries.
func boundedAt(s string, pos, length int) bool {
	if pos > 0 && isWordByte(s[pos-1]) {
		return false
	}
	end := pos + length
	if end < len(s) && isWordByte(s[end]) {
		return false
	}
	return true
}

func isWordByte(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}
