// Package cli implements clearingctl, the command line client of the
// clearing controller.
package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Server  string
	Timeout time.Duration
	Email   string
	Group   string
}

// NewRootCommand creates the root command of clearingctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "clearingctl",
		Short:         "Drive license clearing of releases",
		Long:          "clearingctl talks to a clearing controller to upload, scan and report on releases.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Server, "server", "http://localhost:8080", "controller base URL")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 2*time.Minute, "request timeout")
	cmd.PersistentFlags().StringVar(&opts.Email, "email", "", "email of the acting user")
	cmd.PersistentFlags().StringVar(&opts.Group, "group", "", "group of the acting user")

	cmd.AddCommand(NewProcessCommand(opts))
	cmd.AddCommand(NewOutdatedCommand(opts))
	cmd.AddCommand(NewReportCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))

	return cmd
}

func (o *RootOptions) client() *Client { return NewClient(o.Server, o.Timeout) }

func (o *RootOptions) actor() (actor, error) {
	if o.Email == "" || o.Group == "" {
		return actor{}, fmt.Errorf("--email and --group are required")
	}
	return actor{Email: o.Email, Group: o.Group}, nil
}

// printJSON writes raw indented.
func printJSON(w io.Writer, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err = w.Write(raw)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
