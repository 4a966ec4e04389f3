package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/roach88/chainlog/internal/ir"
)

// TailOptions holds flags for the tail command.
type TailOptions struct {
	*RootOptions
	Server string
	From   int64
	Count  int
}

// streamMessage is one transaction as sent by the server's /stream endpoint.
type streamMessage struct {
	Seq          int64     `json:"seq"`
	Hash         string    `json:"hash"`
	MutationHash string    `json:"mutation_hash"`
	ChainHash    string    `json:"chain_hash"`
	Mutation     []byte    `json:"mutation"`
	Metadata     []byte    `json:"metadata"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewTailCommand creates the tail command.
func NewTailCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TailOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow the transaction stream of a running server",
		Long: `Connect to a running server's /stream endpoint and print each committed
transaction as it arrives, in log order.

By default only new commits are shown; --from replays history first.
In JSON mode each transaction is printed as one line.

Examples:
  chainlog tail --server http://127.0.0.1:8080
  chainlog tail --server http://127.0.0.1:8080 --from 0 --count 10`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Server, "server", "http://127.0.0.1:8080", "server base URL")
	cmd.Flags().Int64Var(&opts.From, "from", -1, "first position to deliver (-1 = new commits only)")
	cmd.Flags().IntVarP(&opts.Count, "count", "n", 0, "stop after this many transactions (0 = follow)")

	return cmd
}

func runTail(opts *TailOptions, cmd *cobra.Command) error {
	u, err := streamURL(opts.Server, opts.From)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --server", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect to "+u, err)
	}
	resp.Body.Close()
	defer conn.Close()

	// Unblock ReadJSON on interrupt.
	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}()

	slog.Debug("tailing stream", "url", u)
	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)

	for n := 0; opts.Count == 0 || n < opts.Count; n++ {
		var msg streamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return WrapExitError(ExitFailure, "stream closed by server", errors.New(closeErr.Text))
			}
			return WrapExitError(ExitFailure, "stream read failed", err)
		}

		if opts.Format == "json" {
			if err := enc.Encode(msg); err != nil {
				return err
			}
			continue
		}

		records := 0
		if m, err := ir.UnmarshalMutation(msg.Mutation); err == nil {
			records = len(m.Records)
		}
		v := entryView{Seq: msg.Seq, Hash: msg.Hash, Timestamp: msg.Timestamp, Records: make([]recordView, records)}
		fmt.Fprintln(out, v.line())
	}
	return nil
}

// streamURL converts a server base URL into its /stream websocket URL.
func streamURL(base string, from int64) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/stream"
	if from >= 0 {
		q := u.Query()
		q.Set("from", strconv.FormatInt(from, 10))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
