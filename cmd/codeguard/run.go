package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/isdmx/codeguard/lang"
	"github.com/isdmx/codeguard/runtime"
	"github.com/isdmx/codeguard/sandbox"
)

type runFlags struct {
	language       string
	timeoutMs      int
	memoryMB       int
	inputs         []string
	strict         bool
	skipValidation bool
	json           bool
}

func newRunCmd(configFile *string) *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Validate a source file and run it in the sandbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, l, err := readSource(args[0], flags.language)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), *configFile, func(engine *runtime.Engine) error {
				return runCode(cmd, engine, code, l, flags)
			})
		},
	}
	cmd.Flags().StringVarP(&flags.language, "lang", "l", "", "language (py, js, ts); inferred from the file extension when empty")
	cmd.Flags().IntVar(&flags.timeoutMs, "timeout-ms", 0, "wall-clock limit in milliseconds (default from config)")
	cmd.Flags().IntVar(&flags.memoryMB, "memory-mb", 0, "memory limit in MB (default from config)")
	cmd.Flags().StringArrayVar(&flags.inputs, "input", nil, "line fed to standard input, repeatable")
	cmd.Flags().BoolVar(&flags.strict, "strict", false, "apply the strict risk threshold")
	cmd.Flags().BoolVar(&flags.skipValidation, "skip-validation", false, "run without security validation (logged)")
	cmd.Flags().BoolVar(&flags.json, "json", false, "print the result as JSON")
	return cmd
}

func runCode(cmd *cobra.Command, engine *runtime.Engine, code string, l lang.Language, flags runFlags) error {
	result := engine.ExecuteCode(cmd.Context(), runtime.Request{
		Language: l,
		Code:     code,
		Inputs:   flags.inputs,
		Limits: sandbox.Limits{
			MaxMemoryMB:        flags.memoryMB,
			MaxExecutionTimeMs: flags.timeoutMs,
		},
		SkipSecurityValidation: flags.skipValidation,
		StrictSecurityMode:     flags.strict,
	})

	if flags.json {
		if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
			return err
		}
	} else {
		fmt.Fprint(cmd.OutOrStdout(), result.Output)
		if result.Stderr != "" {
			fmt.Fprintln(cmd.ErrOrStderr(), result.Stderr)
		}
		if !result.Success {
			fmt.Fprintln(cmd.ErrOrStderr(), strings.TrimRight(result.Error, "\n"))
		}
	}

	if !result.Success {
		return fmt.Errorf("execution failed: %s", result.ErrorKind)
	}
	return nil
}
