// Package guardrail screens Session A's streamed translation text before the
// synthesized audio reaches the carrier. Text deltas arrive ahead of the
// matching audio deltas, so a rule filter running on the text can block the
// TTS frames of a disallowed response before any of them play out.
//
// Classification levels:
//
//	1 — clean, pass through
//	2 — informal or impolite register, correct asynchronously after playback
//	3 — banned content, block TTS and resynthesize a corrected response
package guardrail

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// Built-in banned terms per language tag. Level 3 on match. Config extends
// these lists, it does not replace them.
var bannedTerms = map[string][]string{
	"en": {
		"fuck", "shit", "bitch", "asshole", "bastard", "dickhead",
		"piss off", "go to hell", "shut up", "drop dead",
	},
	"es": {
		"mierda", "joder", "cabrón", "gilipollas", "puta",
		"cállate", "vete al diablo",
	},
	"fr": {
		"merde", "putain", "connard", "salope", "enculé",
		"ta gueule", "va te faire",
	},
	"de": {
		"scheiße", "arschloch", "fick", "hurensohn", "verpiss dich",
		"halt die klappe",
	},
	"ja": {
		"くそ", "クソ", "ばか", "バカ", "死ね", "うざい", "きもい", "黙れ",
	},
	"zh": {
		"他妈", "妈的", "傻逼", "狗屎", "混蛋", "闭嘴", "滚",
	},
}

// Built-in informal terms per language tag. Level 2 on match. These are
// register slips a translation relay should not produce when speaking to a
// stranger on the phone.
var informalTerms = map[string][]string{
	"en": {
		"yeah whatever", "dude", "gimme", "wanna", "gonna", "ain't",
		"nah", "yo,",
	},
	"es": {
		"tío", "qué va", "dame ya", "oye tú",
	},
	"fr": {
		"ouais", "t'inquiète", "file-moi", "ta bouche",
	},
	"de": {
		"na und", "mach mal", "gib her", "ey,",
	},
	"ja": {
		"やって", "ちょうだい", "だよね", "じゃん",
	},
	"zh": {
		"干嘛", "给我", "咋了",
	},
}

// Filler spoken to the recipient while a level-3 response is being corrected.
var fillerTexts = map[string]string{
	"en": "One moment, please.",
	"es": "Un momento, por favor.",
	"fr": "Un instant, s'il vous plaît.",
	"de": "Einen Moment, bitte.",
	"ja": "少々お待ちください。",
	"zh": "请稍等。",
}

// FillerText returns the hold phrase for a language, falling back to English.
func FillerText(language string) string {
	if t, ok := fillerTexts[language]; ok {
		return t
	}
	return fillerTexts["en"]
}

// Dictionary holds the merged banned and informal term lists for one target
// language. Read-only after construction.
type Dictionary struct {
	language string
	banned   []string
	informal []string
}

// NewDictionary merges the built-in lists for language with the configured
// extras. Terms are matched lowercase.
func NewDictionary(language string, extraBanned, extraInformal []string) *Dictionary {
	return &Dictionary{
		language: language,
		banned:   mergeTerms(bannedTerms[language], extraBanned),
		informal: mergeTerms(informalTerms[language], extraInformal),
	}
}

// Language returns the dictionary's language tag.
func (d *Dictionary) Language() string { return d.language }

// MatchBanned returns the first banned term found in text.
func (d *Dictionary) MatchBanned(text string) (term string, pos int, ok bool) {
	return matchTerms(text, d.banned)
}

// MatchInformal returns the first informal term found in text.
func (d *Dictionary) MatchInformal(text string) (term string, pos int, ok bool) {
	return matchTerms(text, d.informal)
}

func mergeTerms(builtin, extra []string) []string {
	seen := make(map[string]struct{}, len(builtin)+len(extra))
	out := make([]string, 0, len(builtin)+len(extra))
	for _, list := range [][]string{builtin, extra} {
		for _, t := range list {
			t = strings.ToLower(strings.TrimSpace(t))
			if t == "" {
				continue
			}
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

// matchTerms finds the first term present in text. Substring match first,
// then a fuzzy pass over the text's words so near-miss spellings from the
// upstream model ("f*ck" transcribed as "fuk") still trigger.
func matchTerms(text string, terms []string) (string, int, bool) {
	lower := strings.ToLower(text)
	for _, term := range terms {
		if idx := strings.Index(lower, term); idx != -1 {
			return term, idx, true
		}
	}

	words := splitWords(lower)
	for _, term := range terms {
		if !fuzzyEligible(term) {
			continue
		}
		for _, w := range words {
			if !fuzzyEligible(w.text) {
				continue
			}
			if matchr.Levenshtein(w.text, term) <= 1 {
				return term, w.pos, true
			}
		}
	}
	return "", 0, false
}

type word struct {
	text string
	pos  int
}

func splitWords(s string) []word {
	var out []word
	start := -1
	for i, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if start == -1 {
				start = i
			}
			continue
		}
		if start != -1 {
			out = append(out, word{text: s[start:i], pos: start})
			start = -1
		}
	}
	if start != -1 {
		out = append(out, word{text: s[start:], pos: start})
	}
	return out
}

// fuzzyEligible limits edit-distance matching to single latin-script words of
// at least five letters. Short words and CJK text produce far too many
// one-edit neighbours.
func fuzzyEligible(term string) bool {
	if len(term) < 5 || strings.ContainsRune(term, ' ') {
		return false
	}
	for _, r := range term {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}
