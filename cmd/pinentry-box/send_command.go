package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"pinentrybox/internal/assuan"
	"pinentrybox/internal/supervisor"
)

func newSendCommand(ctx *commandContext) *cobra.Command {
	var raw bool
	var noStart bool
	cmd := &cobra.Command{
		Use:   "send COMMAND...",
		Short: "Send Assuan commands to the helper and print the responses",
		Long: "Send each argument as one Assuan command line, starting the helper first\n" +
			"unless --no-start is given. Responses are printed as a table, or as the\n" +
			"raw protocol lines with --raw.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connectHelper(cmd, ctx, noStart)
			if err != nil {
				return err
			}
			defer client.Close()

			stdout := cmd.OutOrStdout()
			var exchanges []exchange
			var failures []error
			for _, command := range args {
				responses, err := collectResponses(client, command)
				var serverErr *assuan.ServerError
				if err != nil && !errors.As(err, &serverErr) {
					return fmt.Errorf("send %s: %w", commandVerb(command), err)
				}
				if serverErr != nil {
					failures = append(failures, fmt.Errorf("%s: %w", commandVerb(command), serverErr))
				}
				if raw {
					writeRaw(stdout, responses)
					continue
				}
				exchanges = append(exchanges, exchange{command: command, responses: responses})
			}
			if !raw {
				fmt.Fprintln(stdout, renderTranscript(exchanges, shouldColorize(stdout)))
			}
			return errors.Join(failures...)
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Print raw protocol lines instead of a table")
	cmd.Flags().BoolVar(&noStart, "no-start", false, "Fail instead of launching the helper when it is not running")
	return cmd
}

func connectHelper(cmd *cobra.Command, ctx *commandContext, noStart bool) (*assuan.Client, error) {
	sup, err := ctx.supervisor()
	if err != nil {
		return nil, err
	}
	if noStart {
		client, err := sup.Connect(cmd.Context())
		if err != nil {
			return nil, wrapDialError(err, sup.SocketPath())
		}
		return client, nil
	}
	result, err := supervisor.EnsureReady(cmd.Context(), sup, supervisor.PolicyFromConfig(ctx.configValue()))
	if err != nil {
		return nil, wrapDialError(err, sup.SocketPath())
	}
	if result.Launched {
		fmt.Fprintf(cmd.ErrOrStderr(), "Started helper (pid %d)\n", result.Handle.PID)
	}
	return result.Client, nil
}

// collectResponses sends command and gathers every record up to the terminal
// one. The returned error is the terminal ERR, if any.
func collectResponses(client *assuan.Client, command string) ([]assuan.Response, error) {
	if err := client.Send(command); err != nil {
		return nil, err
	}
	var responses []assuan.Response
	for resp, err := range client.Responses() {
		if err != nil {
			return responses, err
		}
		// INQUIRE is left unanswered so the client cancels it.
		responses = append(responses, resp)
	}
	if n := len(responses); n > 0 {
		return responses, responses[n-1].Err()
	}
	return responses, nil
}

func writeRaw(w io.Writer, responses []assuan.Response) {
	for _, resp := range responses {
		fmt.Fprintln(w, resp.Line())
	}
}

// commandVerb keeps argument text, which may carry secrets, out of output
// labels and errors.
func commandVerb(command string) string {
	verb, _, _ := strings.Cut(strings.TrimSpace(command), " ")
	return strings.ToUpper(verb)
}
