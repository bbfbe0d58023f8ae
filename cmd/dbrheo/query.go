package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dbrheo/dbrheo/pkg/agent"
	"github.com/dbrheo/dbrheo/pkg/scheduler"
)

// QueryCmd runs one prompt non-interactively and prints the streamed
// answer. Gated tool calls are rejected unless --auto-execute is set,
// since there is no terminal dialogue to confirm them.
type QueryCmd struct {
	Prompt []string `arg:"" help:"The request to run."`
}

func (c *QueryCmd) Run(cli *CLI) error {
	sess, err := newSession(cli)
	if err != nil {
		return err
	}
	defer sess.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	interrupted := false
	go func() {
		<-sigCh
		interrupted = true
		sess.client.Interrupt()
	}()

	sess.scheduler.OnConfirmationRequired(
		func(ctx context.Context, req *scheduler.ConfirmationRequest) (scheduler.ConfirmationDecision, error) {
			fmt.Fprintf(os.Stderr, "rejected %s (%s risk): confirmation needs an interactive session\n",
				req.Tool, req.Risk.Level)
			return scheduler.ConfirmationDecision{}, nil
		})

	if err := sess.openStartupConnection(ctx, cli.Database); err != nil {
		return err
	}

	events, err := sess.client.SendMessageStream(ctx, strings.Join(c.Prompt, " "))
	if err != nil {
		return err
	}
	var failed bool
	for ev := range events {
		switch ev.Type {
		case agent.EventText:
			fmt.Print(ev.Text)
		case agent.EventError:
			fmt.Fprintf(os.Stderr, "%s: %s\n", ev.Err.Kind, ev.Err.Message)
			failed = true
		case agent.EventFinish:
			fmt.Println()
		}
	}

	if interrupted {
		return errInterrupted
	}
	if failed {
		return fmt.Errorf("request failed")
	}
	return nil
}
