package guardrail

// Category of a filter match.
type Category string

const (
	// CategoryProfanity triggers level 3: block TTS, correct synchronously.
	CategoryProfanity Category = "profanity"

	// CategoryInformal triggers level 2: play TTS, correct in the background.
	CategoryInformal Category = "informal"
)

// Match is one rule-filter hit.
type Match struct {
	Category Category
	Term     string
	Position int
}

// Result collects all matches found in one text span.
type Result struct {
	Matches []Match
}

// HasProfanity reports whether any match is a banned term.
func (r Result) HasProfanity() bool {
	for _, m := range r.Matches {
		if m.Category == CategoryProfanity {
			return true
		}
	}
	return false
}

// HasInformal reports whether any match is an informal term.
func (r Result) HasInformal() bool {
	for _, m := range r.Matches {
		if m.Category == CategoryInformal {
			return true
		}
	}
	return false
}

// Clean reports whether the text produced no matches.
func (r Result) Clean() bool { return len(r.Matches) == 0 }

// Level maps the result onto a guardrail level.
func (r Result) Level() int {
	switch {
	case r.HasProfanity():
		return 3
	case r.HasInformal():
		return 2
	default:
		return 1
	}
}

// Filter runs the rule dictionaries over text spans.
type Filter struct {
	dict *Dictionary
}

// NewFilter returns a Filter over the given dictionary.
func NewFilter(dict *Dictionary) *Filter {
	return &Filter{dict: dict}
}

// Check scans text against both term lists.
func (f *Filter) Check(text string) Result {
	var res Result
	if len(text) == 0 {
		return res
	}
	if term, pos, ok := f.dict.MatchBanned(text); ok {
		res.Matches = append(res.Matches, Match{Category: CategoryProfanity, Term: term, Position: pos})
	}
	if term, pos, ok := f.dict.MatchInformal(text); ok {
		res.Matches = append(res.Matches, Match{Category: CategoryInformal, Term: term, Position: pos})
	}
	return res
}
