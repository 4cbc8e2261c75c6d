package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/mldtrace/internal/lineproto"
	"pkt.systems/pslog"
)

const (
	defaultCtlServer  = "127.0.0.1:3002"
	defaultCtlTimeout = 5 * time.Second
)

var errKO = errors.New("server answered KO")

func newCtlCommand(logger pslog.Logger) *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "ctl [flags] -- TRACE <options>",
		Short: "Send one control command to a running mldtrace and print the reply",
		Example: `
  mldtrace ctl -- TRACE -q
  mldtrace ctl --server 10.0.0.5:3002 -- TRACE -k modem
  MLDTRACE_SERVER=127.0.0.1:4000 mldtrace ctl -- TRACE -c
`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			line := strings.Join(args, " ")
			server := v.GetString("server")
			start := time.Now()
			resp, err := sendCommand(cmd.Context(), server, v.GetDuration("timeout"), line)
			if err != nil {
				return err
			}
			logger.Debug("mldtrace.ctl.reply", "server", server, "line", line, "ok", resp.OK, "elapsed", time.Since(start))
			if resp.Payload != "" {
				fmt.Fprintln(cmd.OutOrStdout(), resp.Payload)
			}
			if v.GetBool("verbose") {
				status := lineproto.StatusKO
				if resp.OK {
					status = lineproto.StatusOK
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "%s from %s in %s (%s sent)\n",
					status, server, time.Since(start).Round(time.Microsecond), humanize.Bytes(uint64(len(line)+1)))
			}
			if !resp.OK {
				return fmt.Errorf("%q: %w", line, errKO)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringP("server", "s", defaultCtlServer, "address of the mldtrace control port")
	flags.Duration("timeout", defaultCtlTimeout, "dial and reply timeout")
	flags.BoolP("verbose", "v", false, "print the status line and timing to stderr")
	bindFlags(v, flags, "server", "timeout", "verbose")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return cmd
}

// sendCommand performs one request/response exchange on a fresh connection.
func sendCommand(ctx context.Context, addr string, timeout time.Duration, line string) (lineproto.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		timeout = defaultCtlTimeout
	}
	if len(line)+1 > lineproto.MaxLineLength {
		return lineproto.Response{}, fmt.Errorf("command is %d bytes: %w", len(line)+1, lineproto.ErrLineTooLong)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return lineproto.Response{}, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := lineproto.WriteRequest(conn, line); err != nil {
		return lineproto.Response{}, fmt.Errorf("send: %w", err)
	}
	resp, err := lineproto.NewReader(conn).ReadResponse()
	if err != nil {
		return lineproto.Response{}, fmt.Errorf("read reply: %w", err)
	}
	return resp, nil
}
