package cli

import (
	"github.com/spf13/cobra"

	"github.com/zoey-rw/SOaP/internal/model"
)

// ModelOptions holds flags for the model command.
type ModelOptions struct {
	*RootOptions
	File string
}

// NewModelCommand creates the model command.
func NewModelCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ModelOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "model",
		Short: "Validate and print a model declaration",
		Long: `Compile a CUE model declaration, validate it and print it in BUGS
notation. Without --file the built-in ratio model is used.

Exit codes:
  0 - Model is valid
  2 - Model does not compile or fails validation

Examples:
  soap model
  soap model --file models/no_effect.cue
  soap model --file models/no_effect.cue --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModel(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "CUE model file (default built in)")
	return cmd
}

// ModelView is the JSON payload of the model command.
type ModelView struct {
	Spec       *model.Spec `json:"spec"`
	Diagnostic []string    `json:"diagnostic_params"`
	Production []string    `json:"production_params"`
	BUGS       string      `json:"bugs"`
}

func runModel(opts *ModelOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	spec, err := model.Load(opts.File)
	if err != nil {
		return f.Fail(ExitCommandError, "invalid model", err)
	}

	if f.JSON() {
		return f.Success(ModelView{
			Spec:       spec,
			Diagnostic: spec.DiagnosticParams(),
			Production: spec.ProductionParams(),
			BUGS:       spec.String(),
		})
	}
	return spec.Render(cmd.OutOrStdout())
}
