package cli

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

// NewProcessCommand advances the clearing of a release by one call.
func NewProcessCommand(rootOpts *RootOptions) *cobra.Command {
	var description string

	cmd := &cobra.Command{
		Use:   "process <release-id>",
		Short: "Advance the clearing process of a release",
		Long: `Advance the clearing process of a release.

Each call moves the process forward by at most one step and prints it.

Example:
  clearingctl process release-1 --email alice@example.com --group legal`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.actor()
			if err != nil {
				return err
			}
			raw, err := rootOpts.client().Process(cmd.Context(), args[0], a, description)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}

	cmd.Flags().StringVar(&description, "description", "", "upload description sent to the tool")

	return cmd
}

// NewOutdatedCommand marks the active process of a release as outdated.
func NewOutdatedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "outdated <release-id>",
		Short: "Mark the active clearing process of a release as outdated",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.actor()
			if err != nil {
				return err
			}
			if err := rootOpts.client().MarkOutdated(cmd.Context(), args[0], a); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "clearing process of %s marked outdated\n", args[0])
			return nil
		},
	}
}

// NewReportCommand requests a new clearing report.
func NewReportCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "report <release-id>",
		Short: "Request a new clearing report for a scanned release",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.actor()
			if err != nil {
				return err
			}
			if err := rootOpts.client().TriggerReport(cmd.Context(), args[0], a); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "report generation requested for %s\n", args[0])
			return nil
		},
	}
}

// NewStatusCommand groups the read-only tool queries.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query the clearing tool",
	}

	get := func(path func(args []string) string) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			raw, err := rootOpts.client().Get(cmd.Context(), path(args))
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable && len(raw) > 0 {
				_ = printJSON(cmd.OutOrStdout(), raw)
				return err
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "connection",
		Short: "Check that the clearing tool is reachable",
		Args:  cobra.NoArgs,
		RunE:  get(func([]string) string { return "/clearing/connection" }),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "scan <job-id>",
		Short: "Show the status of a scan job",
		Args:  cobra.ExactArgs(1),
		RunE:  get(func(args []string) string { return "/clearing/jobs/" + url.PathEscape(args[0]) }),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "unpack <upload-id>",
		Short: "Show the unpack status of an upload",
		Args:  cobra.ExactArgs(1),
		RunE:  get(func(args []string) string { return "/clearing/uploads/" + url.PathEscape(args[0]) }),
	})

	return cmd
}
