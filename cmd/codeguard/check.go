package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/isdmx/codeguard/lang"
	"github.com/isdmx/codeguard/runtime"
)

var errCheckFailed = errors.New("security check failed")

type checkFlags struct {
	language string
	strict   bool
	quick    bool
	json     bool
}

func newCheckCmd(configFile *string) *cobra.Command {
	var flags checkFlags
	cmd := &cobra.Command{
		Use:   "check <file>",
		Short: "Validate a source file without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, l, err := readSource(args[0], flags.language)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), *configFile, func(engine *runtime.Engine) error {
				return runCheck(cmd, engine, code, l, flags)
			})
		},
	}
	cmd.Flags().StringVarP(&flags.language, "lang", "l", "", "language (py, js, ts); inferred from the file extension when empty")
	cmd.Flags().BoolVar(&flags.strict, "strict", false, "apply the strict risk threshold")
	cmd.Flags().BoolVar(&flags.quick, "quick", false, "check critical rules only")
	cmd.Flags().BoolVar(&flags.json, "json", false, "print the result as JSON")
	return cmd
}

func runCheck(cmd *cobra.Command, engine *runtime.Engine, code string, l lang.Language, flags checkFlags) error {
	out := cmd.OutOrStdout()

	if flags.quick {
		result, err := engine.QuickSecurityCheck(cmd.Context(), code, l)
		if err != nil {
			return err
		}
		if flags.json {
			if err := writeJSON(out, result); err != nil {
				return err
			}
		} else if result.IsValid {
			fmt.Fprintln(out, "Quick check passed: no critical issues.")
		} else {
			fmt.Fprintf(out, "Quick check failed: %d critical issue(s).\n", result.CriticalIssueCount)
		}
		if !result.IsValid {
			return errCheckFailed
		}
		return nil
	}

	result, err := engine.ValidateCodeSecurity(cmd.Context(), code, l, flags.strict)
	if err != nil {
		return err
	}
	switch {
	case flags.json:
		if err := writeJSON(out, result); err != nil {
			return err
		}
	case result.IsValid:
		fmt.Fprintf(out, "Security validation passed (risk score %d/100).\n", result.RiskScore)
		for _, w := range result.Warnings {
			fmt.Fprintf(out, "  - %s\n", w)
		}
	default:
		fmt.Fprint(out, result.Summary())
	}
	if !result.IsValid {
		return errCheckFailed
	}
	return nil
}

// readSource reads path and resolves its language from name, or from the
// file extension when name is empty.
func readSource(path, name string) (string, lang.Language, error) {
	var (
		l   lang.Language
		err error
	)
	if name != "" {
		l, err = lang.Parse(name)
	} else {
		l, err = lang.FromFilename(path)
	}
	if err != nil {
		return "", "", err
	}

	data, err := os.ReadFile(path) //nolint:gosec // path comes from the command line
	if err != nil {
		return "", "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), l, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
