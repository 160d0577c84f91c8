package pipeline

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/cloo-solutions/regaudit/internal/domain"
)

var (
	modalPattern     = regexp.MustCompile(`(?i)\b(shall not|must not|shall|must|should|is required to|are required to)\b`)
	conditionPattern = regexp.MustCompile(`(?i)\b(?:if|when|where|unless|before|after|in the event of)\b[^.;]*`)
	wordPattern      = regexp.MustCompile(`[A-Za-z][A-Za-z\-]{2,}`)
)

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true, "this": true, "shall": true,
	"must": true, "should": true, "are": true, "any": true, "all": true, "not": true, "from": true,
	"into": true, "such": true, "which": true, "its": true, "their": true, "been": true, "have": true,
	"has": true, "may": true, "other": true, "appropriate": true, "ensure": true, "being": true,
	"where": true, "when": true, "than": true, "more": true, "including": true, "otherwise": true,
	"article": true, "section": true, "requirement": true, "able": true, "level": true,
}

const maxKeywords = 8

// ExtractConstraint derives a structured constraint from rule text. The
// subject before the first modal verb is the actor, the first word after it
// the action and the remainder of the clause the object.
func ExtractConstraint(rule domain.RuleChunk) domain.RuleConstraint {
	c := domain.RuleConstraint{
		RuleChunkID:  rule.ChunkID,
		RegulationID: rule.RegulationID,
		Section:      rule.Section,
		Text:         rule.Text,
	}

	text := strings.Join(strings.Fields(rule.Text), " ")
	if cond := conditionPattern.FindString(text); cond != "" {
		c.Condition = strings.TrimSpace(cond)
	}

	if loc := modalPattern.FindStringIndex(text); loc != nil {
		subject := strings.TrimSpace(text[:loc[0]])
		if i := strings.LastIndexAny(subject, ".:;"); i >= 0 {
			subject = strings.TrimSpace(subject[i+1:])
		}
		c.Actor = trimArticle(lastWords(dropNumbering(subject), 4))

		rest := strings.TrimSpace(text[loc[1]:])
		if i := strings.IndexAny(rest, ".;"); i >= 0 {
			rest = rest[:i]
		}
		words := strings.Fields(rest)
		if len(words) > 0 {
			c.Action = strings.ToLower(words[0])
			if c.Action == "be" && len(words) > 1 {
				c.Action = strings.ToLower(words[1])
				words = words[1:]
			}
			c.Object = trimArticle(strings.Join(firstWords(words[1:], 8), " "))
		}
		if strings.Contains(strings.ToLower(text[loc[0]:loc[1]]), "not") {
			c.Action = "not " + c.Action
		}
	}

	c.Keywords = keywords(text)
	return c
}

func keywords(text string) []string {
	counts := make(map[string]int)
	first := make(map[string]int)
	for i, w := range wordPattern.FindAllString(text, -1) {
		w = strings.ToLower(w)
		if stopwords[w] {
			continue
		}
		if _, ok := first[w]; !ok {
			first[w] = i
		}
		counts[w]++
	}

	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return first[words[i]] < first[words[j]]
	})
	if len(words) > maxKeywords {
		words = words[:maxKeywords]
	}
	return words
}

func lastWords(s string, n int) string {
	f := strings.Fields(s)
	if len(f) > n {
		f = f[len(f)-n:]
	}
	return strings.Join(f, " ")
}

func firstWords(words []string, n int) []string {
	if len(words) > n {
		return words[:n]
	}
	return words
}

// dropNumbering removes leading tokens without letters, such as "8.3" or "(a)".
func dropNumbering(s string) string {
	f := strings.Fields(s)
	for len(f) > 0 && !strings.ContainsFunc(f[0], unicode.IsLetter) {
		f = f[1:]
	}
	return strings.Join(f, " ")
}

func trimArticle(s string) string {
	lower := strings.ToLower(s)
	for _, a := range []string{"the ", "a ", "an ", "all ", "every "} {
		if strings.HasPrefix(lower, a) {
			return strings.TrimSpace(s[len(a):])
		}
	}
	return s
}
