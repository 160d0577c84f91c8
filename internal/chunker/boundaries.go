package chunker

import (
	"path"
	"regexp"
	"strings"
)

// Declaration starts per language. Only column-zero lines count so nested
// members stay inside their enclosing unit.
var declPatterns = map[string]*regexp.Regexp{
	"go":         regexp.MustCompile(`^(?:func|type)\s+(?:\([^)]*\)\s*)?(\w+)`),
	"python":     regexp.MustCompile(`^(?:async\s+def|def|class)\s+(\w+)`),
	"javascript": regexp.MustCompile(`^(?:export\s+)?(?:default\s+)?(?:async\s+)?(?:function\*?|class|const|let|var)\s+(\w+)`),
	"typescript": regexp.MustCompile(`^(?:export\s+)?(?:default\s+)?(?:declare\s+)?(?:async\s+)?(?:function\*?|class|const|let|interface|type|enum|abstract\s+class)\s+(\w+)`),
	"java":       regexp.MustCompile(`^(?:public\s+|private\s+|protected\s+)?(?:static\s+)?(?:final\s+|abstract\s+|sealed\s+)?(?:class|interface|enum|record)\s+(\w+)`),
	"kotlin":     regexp.MustCompile(`^(?:public\s+|private\s+|internal\s+)?(?:data\s+|sealed\s+|abstract\s+|open\s+)?(?:fun|class|object|interface)\s+(\w+)`),
	"rust":       regexp.MustCompile(`^(?:pub(?:\([\w:]+\))?\s+)?(?:async\s+)?(?:unsafe\s+)?(?:fn|struct|enum|trait|impl|mod)\b\s*(?:<[^>]*>\s*)?(\w*)`),
	"ruby":       regexp.MustCompile(`^(?:def|class|module)\s+([\w.:]+)`),
	"php":        regexp.MustCompile(`^(?:final\s+|abstract\s+)?(?:function|class|interface|trait)\s+(\w+)`),
	"c":          regexp.MustCompile(`^[A-Za-z_][\w\s\*&:<>,]*?\b(\w+)\s*\([^;]*$`),
}

var extLanguages = map[string]string{
	".go":   "go",
	".py":   "python",
	".js":   "javascript",
	".jsx":  "javascript",
	".mjs":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".java": "java",
	".kt":   "kotlin",
	".rs":   "rust",
	".rb":   "ruby",
	".php":  "php",
	".c":    "c",
	".h":    "c",
	".cc":   "c",
	".cpp":  "c",
	".hpp":  "c",
	".cs":   "java",
}

// Headings of regulatory text: "Article 32", "Art. 5(1)", "Section 4.2",
// "§ 12", numbered headings such as "2.1 Definitions", and markdown headings.
var sectionPattern = regexp.MustCompile(
	`^(?:(?:Article|Art\.|Section|Sec\.|§|Rule|Regulation|Clause|Chapter|Part|Schedule|Annex)\s*[\dIVXLC]+[\w.()\-]*` +
		`|\d+(?:\.\d+)*\.?\s+[A-Z]` +
		`|#{1,6}\s+\S)`)

// LanguageOf returns the language inferred from a file path, or "".
func LanguageOf(file string) string {
	return extLanguages[strings.ToLower(path.Ext(file))]
}

type boundary struct {
	line int // zero-based
	name string
}

func codeBoundaries(lines []string, language string) []boundary {
	re, ok := declPatterns[language]
	if !ok {
		return nil
	}
	var out []boundary
	for i, line := range lines {
		if line == "" || line[0] == ' ' || line[0] == '\t' {
			continue
		}
		if m := re.FindStringSubmatch(line); m != nil {
			out = append(out, boundary{line: i, name: m[len(m)-1]})
		}
	}
	return out
}

func sectionBoundaries(lines []string) []boundary {
	var out []boundary
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if sectionPattern.MatchString(trimmed) {
			out = append(out, boundary{line: i, name: headingName(trimmed)})
		}
	}
	return out
}

func headingName(line string) string {
	name := strings.TrimSpace(strings.TrimLeft(line, "#"))
	r := []rune(name)
	if len(r) > 120 {
		name = string(r[:120])
	}
	return name
}
