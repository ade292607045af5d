package commands

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/spf13/cobra"
)

// dialTimeout bounds the TCP connect step of a query.
const dialTimeout = 5 * time.Second

func queryCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "query [user][@host]",
		Short: "Send a finger request and print the response",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var target string
			if len(args) == 1 {
				target = args[0]
			}

			resp, err := query(serverAddr, target, verbose)
			if err != nil {
				return fmt.Errorf("query %s: %w", serverAddr, err)
			}

			fmt.Print(resp)

			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "long", "l", false, "request verbose (/W) output")

	return cmd
}

// query dials addr, sends a single finger request for target (RFC
// 1288), and returns the full response. The connection is one-shot:
// the daemon closes it once the response has been written.
func query(addr, target string, verbose bool) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	req := target
	if verbose {
		req = "/W " + req
	}

	if _, err := fmt.Fprintf(conn, "%s\r\n", req); err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}

	body, err := io.ReadAll(conn)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	return string(body), nil
}
