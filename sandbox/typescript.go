package sandbox

import (
	"fmt"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// transpileTypeScript strips type annotations so the result runs as plain
// JavaScript. No type checking is performed.
func transpileTypeScript(code string) (string, error) {
	result := api.Transform(code, api.TransformOptions{
		Loader:     api.LoaderTS,
		Target:     api.ES2017,
		Sourcefile: "main.ts",
	})
	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, m := range result.Errors {
			if m.Location != nil {
				msgs = append(msgs, fmt.Sprintf("line %d:%d: %s", m.Location.Line, m.Location.Column+1, m.Text))
			} else {
				msgs = append(msgs, m.Text)
			}
		}
		return "", fmt.Errorf("failed to transpile TypeScript: %s", strings.Join(msgs, "; "))
	}
	return string(result.Code), nil
}
