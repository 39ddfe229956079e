package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/courier/internal/config"
	"github.com/roach88/courier/internal/harness"
)

// Validation error codes.
const (
	ErrCodeConfig   = "E001" // config file invalid
	ErrCodeScenario = "E002" // scenario file invalid
	ErrCodePath     = "E003" // path not found
)

// ValidationError is one problem found by validate.
type ValidationError struct {
	File    string `json:"file"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid   bool              `json:"valid"`
	Checked []string          `json:"checked"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [scenario-file-or-dir...]",
		Short: "Validate the config file and scenario files",
		Long: `Validate the configuration (--config) against its schema and check
scenario files for unknown fields, unknown actions, malformed gateway
replies and references to entities no earlier step created.

Nothing is executed and the database is not opened.

Example:
  courier validate --config courier.yaml
  courier validate ./testdata/scenarios`,
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, paths []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	result := ValidationResult{Checked: []string{}}

	configName := opts.Config
	if configName == "" {
		configName = "(defaults)"
	}
	formatter.VerboseLog("Validating config %s", configName)
	result.Checked = append(result.Checked, configName)
	if _, err := config.Load(opts.Config); err != nil {
		result.Errors = append(result.Errors, ValidationError{
			File:    configName,
			Code:    ErrCodeConfig,
			Message: err.Error(),
		})
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			result.Errors = append(result.Errors, ValidationError{
				File:    path,
				Code:    ErrCodePath,
				Message: err.Error(),
			})
			continue
		}

		files := []string{path}
		if info.IsDir() {
			if files, err = findScenarioFiles(path, ""); err != nil {
				return WrapExitError(ExitCommandError, "failed to find scenarios", err)
			}
		}

		for _, file := range files {
			formatter.VerboseLog("Validating scenario %s", file)
			result.Checked = append(result.Checked, file)
			if _, err := harness.LoadScenario(file); err != nil {
				result.Errors = append(result.Errors, ValidationError{
					File:    file,
					Code:    ErrCodeScenario,
					Message: err.Error(),
				})
			}
		}
	}

	if len(result.Errors) > 0 {
		return outputValidationErrors(formatter, result)
	}

	result.Valid = true
	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "All %d file(s) valid\n", len(result.Checked))
	return nil
}

// outputValidationErrors outputs every validation error.
func outputValidationErrors(formatter *OutputFormatter, result ValidationResult) error {
	errs := result.Errors
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   result,
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}

		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	fmt.Fprintln(formatter.Writer, "Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, err := range errs {
		fmt.Fprintf(formatter.Writer, "%s\n", err.File)
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", err.Code, err.Message)
	}

	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
