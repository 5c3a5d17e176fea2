package symbols

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Extract dispatches by file extension to a regex-based symbol
// extractor and builds the pre-computed snippet (spec §4.3.1,
// §4.3.2 "Snippet generation"). When no language-specific parser
// applies, it still returns exactly one File symbol so downstream
// consumers can distinguish "unknown language" from "empty file".
func Extract(absPath, relPath string) ([]Symbol, string, error) {
	data, err := os.ReadFile(absPath)
	if err != nil {
		return []Symbol{{Name: filepath.Base(relPath), Kind: KindFile, Path: relPath}}, "", err
	}
	lang := languageOf(relPath)
	lines := strings.Split(string(data), "\n")

	syms := []Symbol{{Name: filepath.Base(relPath), Kind: KindFile, Path: relPath, Language: lang}}
	if lang != "" {
		syms = append(syms, extractByLanguage(lang, relPath, lines)...)
	}

	return syms, buildSnippet(lines), nil
}

func languageOf(relPath string) string {
	switch strings.ToLower(filepath.Ext(relPath)) {
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".js", ".jsx":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".java":
		return "java"
	case ".rs":
		return "rust"
	case ".rb":
		return "ruby"
	case ".c", ".h":
		return "c"
	case ".cpp", ".hpp", ".cc":
		return "cpp"
	default:
		return ""
	}
}

// languageRules maps a language to the regex patterns (kind -> pattern,
// with the symbol name as the first capture group) used to extract
// top-level symbols. This is intentionally a lightweight, best-effort
// line scanner rather than a full AST — the spec only requires typed
// symbol nodes with a start line, not full parsing fidelity, and a
// real implementation would plug in per-language AST libraries here.
var languageRules = map[string][]struct {
	kind Kind
	re   *regexp.Regexp
}{
	"go": {
		{KindFunction, regexp.MustCompile(`^func\s+(\w+)\s*\(`)},
		{KindMethod, regexp.MustCompile(`^func\s+\([^)]+\)\s+(\w+)\s*\(`)},
		{KindStruct, regexp.MustCompile(`^type\s+(\w+)\s+struct\b`)},
		{KindInterface, regexp.MustCompile(`^type\s+(\w+)\s+interface\b`)},
	},
	"python": {
		{KindFunction, regexp.MustCompile(`^def\s+(\w+)\s*\(`)},
		{KindClass, regexp.MustCompile(`^class\s+(\w+)`)},
	},
	"javascript": {
		{KindFunction, regexp.MustCompile(`^function\s+(\w+)\s*\(`)},
		{KindClass, regexp.MustCompile(`^class\s+(\w+)`)},
	},
	"typescript": {
		{KindFunction, regexp.MustCompile(`^(?:export\s+)?function\s+(\w+)\s*\(`)},
		{KindClass, regexp.MustCompile(`^(?:export\s+)?class\s+(\w+)`)},
		{KindInterface, regexp.MustCompile(`^(?:export\s+)?interface\s+(\w+)`)},
		{KindEnum, regexp.MustCompile(`^(?:export\s+)?enum\s+(\w+)`)},
	},
	"java": {
		{KindClass, regexp.MustCompile(`^(?:public\s+|private\s+)?(?:final\s+)?class\s+(\w+)`)},
		{KindInterface, regexp.MustCompile(`^(?:public\s+)?interface\s+(\w+)`)},
		{KindEnum, regexp.MustCompile(`^(?:public\s+)?enum\s+(\w+)`)},
	},
	"rust": {
		{KindFunction, regexp.MustCompile(`^(?:pub\s+)?fn\s+(\w+)`)},
		{KindStruct, regexp.MustCompile(`^(?:pub\s+)?struct\s+(\w+)`)},
		{KindEnum, regexp.MustCompile(`^(?:pub\s+)?enum\s+(\w+)`)},
	},
	"ruby": {
		{KindMethod, regexp.MustCompile(`^\s*def\s+(\w+)`)},
		{KindClass, regexp.MustCompile(`^\s*class\s+(\w+)`)},
	},
	"c": {
		{KindFunction, regexp.MustCompile(`^\w[\w\s\*]*\s(\w+)\s*\([^;]*\)\s*\{`)},
	},
	"cpp": {
		{KindClass, regexp.MustCompile(`^class\s+(\w+)`)},
		{KindFunction, regexp.MustCompile(`^\w[\w\s\*:]*\s(\w+)\s*\([^;]*\)\s*\{`)},
	},
}

func extractByLanguage(lang, relPath string, lines []string) []Symbol {
	rules := languageRules[lang]
	if len(rules) == 0 {
		return nil
	}
	var out []Symbol
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		for _, rule := range rules {
			m := rule.re.FindStringSubmatch(trimmed)
			if m == nil {
				continue
			}
			out = append(out, Symbol{
				Name:      m[1],
				Kind:      rule.kind,
				Path:      relPath,
				Language:  lang,
				Signature: trimmed,
				StartLine: i + 1,
			})
		}
	}
	return out
}

// maxSnippetChars bounds the pre-computed index-time snippet (spec §4.3.2).
const maxSnippetChars = 500

// buildSnippet skips leading imports/comments and keeps the first
// ≤500 characters of meaningful code with line numbers.
func buildSnippet(lines []string) string {
	var b strings.Builder
	started := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !started {
			if trimmed == "" || isImportOrComment(trimmed) {
				continue
			}
			started = true
		}
		numbered := line
		b.WriteString(itoa(i + 1))
		b.WriteString(": ")
		b.WriteString(numbered)
		b.WriteString("\n")
		if b.Len() >= maxSnippetChars {
			break
		}
	}
	s := b.String()
	if len(s) > maxSnippetChars {
		s = s[:maxSnippetChars]
	}
	return s
}

func isImportOrComment(trimmed string) bool {
	prefixes := []string{"import ", "from ", "package ", "#include", "use ", "//", "#", "/*", "*"}
	for _, p := range prefixes {
		if strings.HasPrefix(trimmed, p) {
			return true
		}
	}
	return false
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}

// TermCenteredSnippet re-reads the file to generate a term-centered
// snippet with ±3 lines of context and a '>' marker on the matched
// line, used at query time when the stored snippet lacks the matched
// term (spec §4.3.2).
func TermCenteredSnippet(absPath, term string) (string, int, bool) {
	f, err := os.Open(absPath)
	if err != nil {
		return "", 0, false
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	lowerTerm := strings.ToLower(term)
	matchLine := -1
	for i, line := range lines {
		if strings.Contains(strings.ToLower(line), lowerTerm) {
			matchLine = i
			break
		}
	}
	if matchLine == -1 {
		return "", 0, false
	}

	start := matchLine - 3
	if start < 0 {
		start = 0
	}
	end := matchLine + 3
	if end >= len(lines) {
		end = len(lines) - 1
	}

	var b strings.Builder
	for i := start; i <= end; i++ {
		marker := "  "
		if i == matchLine {
			marker = "> "
		}
		b.WriteString(marker)
		b.WriteString(itoa(i + 1))
		b.WriteString(": ")
		b.WriteString(lines[i])
		b.WriteString("\n")
	}
	return b.String(), matchLine + 1, true
}
