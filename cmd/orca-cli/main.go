package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/davidahmann/orca/internal/app"
	"github.com/davidahmann/orca/internal/config"
	"github.com/davidahmann/orca/internal/contract"
	"github.com/davidahmann/orca/internal/logging"
	"github.com/davidahmann/orca/internal/pipeline"
	"github.com/davidahmann/orca/internal/policy"
	"github.com/davidahmann/orca/pkg/types"
)

var Version = "dev"

func main() {
	exitFn(run(os.Args, os.Stdout, os.Stderr))
}

var exitFn = os.Exit

// exitError carries a process exit code out of a cobra RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func usageErr(err error) error { return &exitError{code: 2, err: err} }

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	if len(args) > 0 {
		args = args[1:]
	}
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	if err == nil {
		return 0
	}
	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintln(stderr, exit.err.Error())
		}
		if exit.code == 2 {
			fmt.Fprint(stderr, root.UsageString())
		}
		return exit.code
	}
	fmt.Fprintln(stderr, err.Error())
	return 1
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "orca",
		Short:         "Orca checkout risk decisions",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usageErr(fmt.Errorf("unknown command %q", args[0]))
			}
			return nil
		},
		RunE: func(_ *cobra.Command, _ []string) error {
			return usageErr(nil)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageErr(err) })
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("ORCA_CONFIG_PATH"), "path to orca config file")

	loadConfig := func() (config.Config, error) {
		return config.Load(configPath)
	}

	root.AddCommand(validateCmd(loadConfig))
	root.AddCommand(decideCmd(loadConfig))
	root.AddCommand(batchCmd(loadConfig))
	root.AddCommand(policyCmd())
	return root
}

type configLoader func() (config.Config, error)

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageErr(err)
		}
		return nil
	}
}

func validateCmd(load configLoader) *cobra.Command {
	var (
		schemaType    string
		files         []string
		schemaDir     string
		exitOnFailure bool
	)
	cmd := &cobra.Command{
		Use:   "validate --schema-type <id> --files <path...>",
		Short: "Validate JSON files against a decision contract",
		// Paths following --files arrive as positional arguments.
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			files = append(files, args...)
			if schemaType == "" || len(files) == 0 {
				return usageErr(errors.New("validate requires --schema-type and --files"))
			}
			dir := schemaDir
			if dir == "" {
				cfg, err := load()
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: config not loaded, using embedded schemas: %v\n", err)
				} else {
					dir = cfg.SchemaDir
				}
			}
			var opts []contract.Option
			if dir != "" {
				opts = append(opts, contract.WithSchemaDir(dir))
			}
			v, err := contract.New(opts...)
			if err != nil {
				return err
			}
			if !v.Known(schemaType) {
				return usageErr(&contract.UnknownSchemaTypeError{SchemaType: schemaType})
			}

			out := cmd.OutOrStdout()
			report := v.ValidateFiles(files, schemaType)
			for _, res := range report.Results {
				if res.OK() {
					fmt.Fprintf(out, "PASS %s\n", res.Path)
					continue
				}
				fmt.Fprintf(out, "FAIL %s: %v\n", res.Path, res.Err)
			}
			fmt.Fprintf(out, "valid=%d total=%d\n", report.Valid, report.Total)
			if exitOnFailure && report.Valid != report.Total {
				return &exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&schemaType, "schema-type", "", "contract id, e.g. ap2_decision or cloudevent:orca.decision.v1")
	cmd.Flags().StringSliceVar(&files, "files", nil, "JSON files to validate")
	cmd.Flags().StringVar(&schemaDir, "schema-dir", "", "directory of additional *.json schemas")
	cmd.Flags().BoolVar(&exitOnFailure, "exit-on-failure", false, "exit 1 when any file fails")
	return cmd
}

func decideCmd(load configLoader) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "decide --file <request.json>",
		Short: "Evaluate one decision request and print the response",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file == "" {
				return usageErr(errors.New("decide requires --file"))
			}
			// #nosec G304 -- path is an operator-supplied request file.
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			req, err := types.ParseDecisionRequest(data)
			if err != nil {
				return err
			}
			a, err := buildApp(load, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Pipeline.Process(cmd.Context(), req)
			if err != nil && !errors.Is(err, pipeline.ErrEmit) {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			enc.SetEscapeHTML(false)
			return enc.Encode(res.Response)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "decision request JSON file")
	return cmd
}

func batchCmd(load configLoader) *cobra.Command {
	var pattern string
	cmd := &cobra.Command{
		Use:   "batch --pattern <glob>",
		Short: "Evaluate every request file matching a glob",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if pattern == "" {
				return usageErr(errors.New("batch requires --pattern"))
			}
			items, err := pipeline.ItemsFromGlob(pattern)
			if err != nil {
				return usageErr(err)
			}
			if len(items) == 0 {
				return fmt.Errorf("%w: %s", pipeline.ErrNoItems, pattern)
			}
			a, err := buildApp(load, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			summary := a.Pipeline.ProcessBatch(cmd.Context(), items)
			out := cmd.OutOrStdout()
			for _, item := range summary.Items {
				if item.OK() {
					fmt.Fprintf(out, "PASS %s decision=%s decision_id=%s\n", item.Name, item.Result.Response.Decision, item.Result.DecisionID)
					continue
				}
				fmt.Fprintf(out, "FAIL %s: %v\n", item.Name, item.Err)
			}
			fmt.Fprintf(out, "valid=%d total=%d\n", summary.Valid, summary.Total)
			return nil
		},
	}
	cmd.Flags().StringVar(&pattern, "pattern", "", "glob of decision request JSON files")
	return cmd
}

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Policy tooling",
		Args:  exactArgs(0),
		RunE: func(_ *cobra.Command, _ []string) error {
			return usageErr(errors.New("policy requires a subcommand"))
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "lint <policy_path>",
		Short: "Compile a policy file and print its hash",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := policy.LoadPolicy(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok policy_id=%s policy_hash=%s\n", p.PolicyID, p.Hash)
			return nil
		},
	})
	return cmd
}

func buildApp(load configLoader, stderr io.Writer) (*app.App, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	// Info logs would interleave with command output.
	level := cfg.Log.Level
	if level == "" || level == "info" {
		level = "warn"
	}
	logger, err := logging.New(stderr, level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	return app.Build(cfg, logger)
}
