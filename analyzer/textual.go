package analyzer

import (
	"regexp"
	"strings"

	"github.com/isdmx/codeguard/lang"
	"github.com/isdmx/codeguard/rules"
)

var (
	pyDef       = regexp.MustCompile(`^\s*(async\s+)?def\s+\w+`)
	pyLambda    = regexp.MustCompile(`\blambda\b`)
	pyClass     = regexp.MustCompile(`^\s*class\s+\w+`)
	pyImport    = regexp.MustCompile(`^\s*(import|from)\s+\S+`)
	pyDecision  = regexp.MustCompile(`\b(if|elif|for|while|except|and|or|case)\b`)
	pyWhile     = regexp.MustCompile(`^\s*while\s+(.+?)\s*:\s*$`)
	pyFor       = regexp.MustCompile(`^\s*(async\s+)?for\s+.+\s+in\s+(.+?)\s*:\s*$`)
	pyTrueConst = regexp.MustCompile(`^\(?\s*(True|[1-9]\d*|"[^"]+"|'[^']+')\s*\)?$`)
	pyExit      = regexp.MustCompile(`\b(break|return|raise)\b|\bsys\.exit\s*\(`)
	pyInfIter   = regexp.MustCompile(`^(itertools\.)?count\(\s*\)$|^iter\(\s*int\s*,`)

	braceFunc     = regexp.MustCompile(`\bfunction\b|=>`)
	braceClass    = regexp.MustCompile(`\bclass\s+\w+`)
	braceImport   = regexp.MustCompile(`^\s*import\b|\brequire\s*\(`)
	braceDecision = regexp.MustCompile(`\b(if|for|while|case|catch)\b|&&|\|\||\?[^.?:]`)
	braceWhile    = regexp.MustCompile(`\bwhile\s*\(\s*(.*?)\s*\)`)
	braceFor      = regexp.MustCompile(`\bfor\s*\(([^)]*)\)`)
	braceTrue     = regexp.MustCompile(`^(true|[1-9]\d*|!0|"[^"]+"|'[^']+')$`)
	braceExit     = regexp.MustCompile(`\b(break|return|throw)\b`)

	callPattern = regexp.MustCompile(`(\bnew\s+)?([A-Za-z_$][\w$]*(?:\.[A-Za-z_$][\w$]*)*)\s*\(`)
)

var callKeywords = map[string]bool{
	"if": true, "elif": true, "for": true, "while": true, "switch": true,
	"catch": true, "function": true, "return": true, "typeof": true,
	"def": true, "class": true, "with": true, "except": true, "and": true,
	"or": true, "not": true, "in": true, "lambda": true, "yield": true,
	"await": true, "async": true, "super": true, "import": true, "assert": true,
	"del": true,
}

// sanitizedLine is a source line with comments removed and string literal
// contents blanked out, so structure can be measured without being fooled
// by text inside strings.
type sanitizedLine struct {
	raw    string
	code   string
	indent int
}

func (s sanitizedLine) blank() bool {
	return strings.TrimSpace(s.code) == ""
}

// sanitize scans code once, tracking multi-line strings and comments.
func sanitize(lines []string, l lang.Language) []sanitizedLine {
	out := make([]sanitizedLine, 0, len(lines))
	var (
		inBlockComment bool
		inTriple       string
		inTemplate     bool
	)

	for _, raw := range lines {
		var b strings.Builder
		for i := 0; i < len(raw); i++ {
			c := raw[i]
			rest := raw[i:]
			switch {
			case inBlockComment:
				if strings.HasPrefix(rest, "*/") {
					inBlockComment = false
					i++
				}
				continue
			case inTriple != "":
				if strings.HasPrefix(rest, inTriple) {
					b.WriteString(inTriple)
					i += len(inTriple) - 1
					inTriple = ""
				}
				continue
			case inTemplate:
				if c == '\\' {
					i++
				} else if c == '`' {
					b.WriteByte('`')
					inTemplate = false
				}
				continue
			}

			if l == lang.Python {
				if c == '#' {
					i = len(raw)
					continue
				}
				if strings.HasPrefix(rest, `"""`) || strings.HasPrefix(rest, `'''`) {
					inTriple = rest[:3]
					b.WriteString(inTriple)
					i += 2
					continue
				}
			} else {
				if strings.HasPrefix(rest, "//") {
					i = len(raw)
					continue
				}
				if strings.HasPrefix(rest, "/*") {
					inBlockComment = true
					i++
					continue
				}
				if c == '`' {
					inTemplate = true
					b.WriteByte('`')
					continue
				}
			}

			if c == '"' || c == '\'' {
				b.WriteByte(c)
				j := i + 1
				for ; j < len(raw); j++ {
					if raw[j] == '\\' {
						j++
						continue
					}
					if raw[j] == c {
						break
					}
				}
				if j < len(raw) {
					b.WriteByte(c)
				}
				i = j
				continue
			}
			b.WriteByte(c)
		}

		out = append(out, sanitizedLine{
			raw:    raw,
			code:   strings.TrimRight(b.String(), " \t"),
			indent: indentWidth(raw),
		})
	}
	return out
}

func indentWidth(s string) int {
	n := 0
	for _, c := range s {
		switch c {
		case ' ':
			n++
		case '\t':
			n += 4
		default:
			return n
		}
	}
	return n
}

// analyzePython builds the textual approximation for Python.
func analyzePython(code string) *Analysis {
	a := &Analysis{
		Language: lang.Python,
		Lines:    splitLines(code),
		Success:  true,
	}
	lines := sanitize(a.Lines, lang.Python)
	m := &a.Metrics
	m.Cyclomatic = 1

	var (
		headers   []int
		mixedTabs bool
	)
	for i, ln := range lines {
		if ln.blank() {
			continue
		}
		m.LinesOfCode++
		lineNo := i + 1
		if strings.HasPrefix(ln.raw, "\t") && strings.Contains(ln.raw[:len(ln.raw)-len(strings.TrimLeft(ln.raw, " \t"))], " ") {
			mixedTabs = true
		}

		for len(headers) > 0 && ln.indent <= headers[len(headers)-1] {
			headers = headers[:len(headers)-1]
		}
		if depth := len(headers); depth > m.MaxNesting {
			m.MaxNesting = depth
		}
		if strings.HasSuffix(ln.code, ":") {
			headers = append(headers, ln.indent)
		}

		if pyDef.MatchString(ln.code) {
			m.Functions++
		}
		m.Functions += len(pyLambda.FindAllString(ln.code, -1))
		if pyClass.MatchString(ln.code) {
			m.Classes++
		}
		if pyImport.MatchString(ln.code) {
			m.Imports++
		}
		m.Cyclomatic += len(pyDecision.FindAllString(ln.code, -1))

		if match := pyWhile.FindStringSubmatch(ln.code); match != nil {
			infinite := pyTrueConst.MatchString(strings.TrimSpace(match[1]))
			a.addLoop(LoopWhile, lineNo, 1, infinite, pythonBodyExits(lines, i))
		} else if match := pyFor.FindStringSubmatch(ln.code); match != nil {
			infinite := pyInfIter.MatchString(strings.TrimSpace(match[2]))
			a.addLoop(LoopFor, lineNo, 1, infinite, !infinite || pythonBodyExits(lines, i))
		}

		a.addCalls(ln.code, lineNo)
	}

	if depth := bracketBalance(lines); depth != 0 {
		a.Warnings = append(a.Warnings, "unbalanced brackets; analysis is approximate")
	}
	if mixedTabs {
		a.Warnings = append(a.Warnings, "indentation mixes tabs and spaces")
	}
	m.finish()
	return a
}

// pythonBodyExits reports whether the block opened at header contains an exit.
func pythonBodyExits(lines []sanitizedLine, header int) bool {
	base := lines[header].indent
	for _, ln := range lines[header+1:] {
		if ln.blank() {
			continue
		}
		if ln.indent <= base {
			return false
		}
		if pyExit.MatchString(ln.code) {
			return true
		}
	}
	return false
}

// analyzeBraces builds the textual approximation for brace-delimited languages.
func analyzeBraces(code string, l lang.Language) *Analysis {
	a := &Analysis{
		Language: l,
		Lines:    splitLines(code),
		Success:  true,
	}
	lines := sanitize(a.Lines, l)
	m := &a.Metrics
	m.Cyclomatic = 1

	depth := 0
	for i, ln := range lines {
		if ln.blank() {
			continue
		}
		m.LinesOfCode++
		lineNo := i + 1

		m.Functions += len(braceFunc.FindAllString(ln.code, -1))
		m.Classes += len(braceClass.FindAllString(ln.code, -1))
		if braceImport.MatchString(ln.code) {
			m.Imports++
		}
		m.Cyclomatic += len(braceDecision.FindAllString(ln.code, -1))

		for _, match := range braceWhile.FindAllStringSubmatchIndex(ln.code, -1) {
			test := strings.TrimSpace(ln.code[match[2]:match[3]])
			exits := braceBodyExits(lines, i, match[1])
			a.addLoop(LoopWhile, lineNo, match[0]+1, braceTrue.MatchString(test), exits)
		}
		for _, match := range braceFor.FindAllStringSubmatchIndex(ln.code, -1) {
			clauses := ln.code[match[2]:match[3]]
			typ := LoopFor
			if strings.Contains(clauses, " of ") {
				typ = LoopForOf
			} else if strings.Contains(clauses, " in ") {
				typ = LoopForIn
			}
			empty := typ == LoopFor && strings.TrimSpace(strings.ReplaceAll(clauses, ";", "")) == "" && strings.Count(clauses, ";") == 2
			exits := !empty || braceBodyExits(lines, i, match[1])
			a.addLoop(typ, lineNo, match[0]+1, empty, exits)
		}

		a.addCalls(ln.code, lineNo)

		for _, c := range ln.code {
			switch c {
			case '{':
				depth++
				if depth > m.MaxNesting {
					m.MaxNesting = depth
				}
			case '}':
				if depth > 0 {
					depth--
				}
			}
		}
	}

	if bracketBalance(lines) != 0 {
		a.Warnings = append(a.Warnings, "unbalanced brackets; analysis is approximate")
	}
	m.finish()
	return a
}

// braceBodyExits scans the block following a loop header for an exit.
func braceBodyExits(lines []sanitizedLine, line, col int) bool {
	depth := 0
	opened := false
	for i := line; i < len(lines); i++ {
		code := lines[i].code
		start := 0
		if i == line {
			start = col
		}
		if start > len(code) {
			continue
		}
		segment := code[start:]
		if !opened && !strings.Contains(segment, "{") {
			// Single statement body.
			if strings.TrimSpace(segment) != "" {
				return braceExit.MatchString(segment)
			}
			continue
		}
		for j, c := range segment {
			switch c {
			case '{':
				depth++
				opened = true
			case '}':
				depth--
				if opened && depth == 0 {
					return braceExit.MatchString(segment[:j])
				}
			}
		}
		if opened && braceExit.MatchString(segment) {
			return true
		}
	}
	return false
}

func bracketBalance(lines []sanitizedLine) int {
	balance := 0
	for _, ln := range lines {
		for _, c := range ln.code {
			switch c {
			case '(', '[', '{':
				balance++
			case ')', ']', '}':
				balance--
			}
		}
	}
	return balance
}

// countBraceLOC counts non-blank, non-comment lines of a brace language.
func countBraceLOC(code string) int {
	n := 0
	for _, ln := range sanitize(splitLines(code), lang.JavaScript) {
		if !ln.blank() {
			n++
		}
	}
	return n
}

func (a *Analysis) addLoop(typ string, line, column int, infinite, exits bool) {
	a.Metrics.Loops = append(a.Metrics.Loops, Loop{
		Type:              typ,
		Line:              line,
		HasBreakCondition: exits,
		IsInfinite:        infinite,
	})
	kind := rules.NodeWhile
	if typ != LoopWhile && typ != LoopDoWhile {
		kind = rules.NodeFor
	}
	a.Nodes = append(a.Nodes, Node{Kind: kind, Name: typ, Line: line, Column: column, Infinite: infinite})
}

func (a *Analysis) addCalls(code string, line int) {
	for _, match := range callPattern.FindAllStringSubmatchIndex(code, -1) {
		name := code[match[4]:match[5]]
		if callKeywords[name] {
			continue
		}
		constructor := match[2] >= 0
		if !constructor && a.Language == lang.Python {
			last := name[strings.LastIndex(name, ".")+1:]
			constructor = last != "" && last[0] >= 'A' && last[0] <= 'Z'
		}
		a.Metrics.Calls = append(a.Metrics.Calls, Call{
			Name:          name,
			Line:          line,
			Column:        match[0] + 1,
			IsConstructor: constructor,
		})
	}
}
