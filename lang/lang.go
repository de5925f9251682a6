package lang

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Language identifies one of the supported scripting languages.
type Language string

// Supported languages
const (
	Python     Language = "py"
	JavaScript Language = "js"
	TypeScript Language = "ts"
)

// Filename constants
const (
	FilenamePython     = "main.py"
	FilenameJavaScript = "main.js"
	FilenameTypeScript = "main.ts"
)

var aliases = map[string]Language{
	"py":         Python,
	"python":     Python,
	"python3":    Python,
	"js":         JavaScript,
	"javascript": JavaScript,
	"node":       JavaScript,
	"nodejs":     JavaScript,
	"ts":         TypeScript,
	"typescript": TypeScript,
}

// All returns the supported languages in a stable order.
func All() []Language {
	return []Language{Python, JavaScript, TypeScript}
}

// Parse resolves a language key or alias. Unknown keys are an error.
func Parse(s string) (Language, error) {
	l, ok := aliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("unsupported language: %q, must be one of: py, js, ts", s)
	}
	return l, nil
}

// FromFilename resolves a language from a file extension.
func FromFilename(name string) (Language, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".py":
		return Python, nil
	case ".js", ".mjs", ".cjs":
		return JavaScript, nil
	case ".ts", ".mts", ".cts":
		return TypeScript, nil
	default:
		return "", fmt.Errorf("cannot infer language from %q, set it explicitly", name)
	}
}

// Valid reports whether l is one of the supported languages.
func (l Language) Valid() bool {
	switch l {
	case Python, JavaScript, TypeScript:
		return true
	}
	return false
}

// Structured reports whether the analyzer builds a real syntax tree for l.
func (l Language) Structured() bool {
	return l == JavaScript
}

// Filename returns the file name user code is written to for l.
func (l Language) Filename() string {
	switch l {
	case Python:
		return FilenamePython
	case JavaScript:
		return FilenameJavaScript
	case TypeScript:
		return FilenameTypeScript
	default:
		return ""
	}
}

func (l Language) String() string {
	return string(l)
}
