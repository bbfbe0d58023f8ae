package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"golang.org/x/term"

	"github.com/dbrheo/dbrheo/pkg/adapters"
	"github.com/dbrheo/dbrheo/pkg/agent"
	"github.com/dbrheo/dbrheo/pkg/scheduler"
)

// ChatCmd starts the interactive REPL.
type ChatCmd struct{}

func (c *ChatCmd) Run(cli *CLI) error {
	sess, err := newSession(cli)
	if err != nil {
		return err
	}
	defer sess.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	var interrupted atomic.Bool
	go watchInterrupts(sigCh, sess.client.Interrupt, &interrupted)

	sess.scheduler.OnConfirmationRequired(stdinConfirmation)

	if err := sess.openStartupConnection(ctx, cli.Database); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	fmt.Printf("dbrheo (%s). Type /help for commands.\n", sess.model)
	if alias := sess.manager.Current(); alias != "" {
		fmt.Printf("connected: %s\n", alias)
	}

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("\n> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			if interrupted.Load() {
				return errInterrupted
			}
			return nil // EOF ends the session
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			done, err := c.runCommand(ctx, sess, input)
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
			if done {
				return nil
			}
			continue
		}

		interrupted.Store(false)
		if err := streamResponse(ctx, sess.client, input); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

// watchInterrupts forwards each signal to the in-flight turn and
// records that one arrived. First ^C interrupts the turn; the REPL
// keeps running and the next ^C at the prompt exits.
func watchInterrupts(sigCh <-chan os.Signal, interrupt func(), interrupted *atomic.Bool) {
	for range sigCh {
		interrupt()
		interrupted.Store(true)
	}
}

// runCommand handles slash commands. Returns done=true on /quit.
func (c *ChatCmd) runCommand(ctx context.Context, sess *session, input string) (bool, error) {
	fields := strings.Fields(input)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Println(`commands:
  /model [name]           show or switch the model
  /database               list connections
  /database <url|alias>   connect (postgres://..., mysql://..., sqlite:///..., or a saved alias)
  /database use <alias>   switch the current connection
  /stats                  show session token usage
  /quit                   exit`)
		return false, nil
	case "/model":
		if len(fields) < 2 {
			fmt.Printf("model: %s\n", sess.model)
			return false, nil
		}
		return false, sess.switchModel(fields[1])
	case "/database":
		return false, c.databaseCommand(ctx, sess, fields[1:])
	case "/stats":
		stats := sess.client.Stats()
		fmt.Printf("requests: %d  input: %d  output: %d  cached: %d\n",
			stats.Requests, stats.InputTokens, stats.OutputTokens, stats.CachedTokens)
		return false, nil
	default:
		fmt.Printf("unknown command %s\n", fields[0])
		return false, nil
	}
}

func (c *ChatCmd) databaseCommand(ctx context.Context, sess *session, args []string) error {
	if len(args) == 0 {
		conns := sess.manager.List()
		if len(conns) == 0 {
			fmt.Println("no open connections")
			return nil
		}
		current := sess.manager.Current()
		for _, conn := range conns {
			marker := " "
			if conn.Alias == current {
				marker = "*"
			}
			fmt.Printf("%s %s (%s)\n", marker, conn.Alias, conn.Adapter.Dialect())
		}
		return nil
	}

	if args[0] == "use" {
		if len(args) < 2 {
			return fmt.Errorf("usage: /database use <alias>")
		}
		if err := sess.manager.Use(args[1]); err != nil {
			return err
		}
		fmt.Printf("current connection: %s\n", args[1])
		return nil
	}

	target := args[0]
	if strings.Contains(target, "://") {
		var err error
		if target, err = promptPasswordIfMissing(target); err != nil {
			return err
		}
	}
	source, alias, err := resolveConnectionTarget(target)
	if err != nil {
		return err
	}
	if _, err := sess.manager.Open(ctx, alias, source, true); err != nil {
		return err
	}
	fmt.Printf("connected: %s\n", alias)
	return nil
}

// promptPasswordIfMissing asks for a password when the connection string
// names a user but carries no password. The echo-off read needs a
// terminal; otherwise the string passes through untouched.
func promptPasswordIfMissing(raw string) (string, error) {
	cs, err := adapters.ParseConnString(raw)
	if err != nil {
		return "", err
	}
	if cs.Dialect == adapters.DialectSQLite || cs.User == "" || cs.Password != "" {
		return raw, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return raw, nil
	}

	fmt.Printf("password for %s: ", cs.User)
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", err
	}
	cs.Password = string(secret)
	return cs.String(), nil
}

// stdinConfirmation is the interactive risk gate.
func stdinConfirmation(ctx context.Context, req *scheduler.ConfirmationRequest) (scheduler.ConfirmationDecision, error) {
	fmt.Printf("\n%s wants to run (%s risk): %s\n", req.Tool, req.Risk.Level, req.Summary)
	for _, reason := range req.Risk.Reasons {
		fmt.Printf("  - %s\n", reason)
	}
	fmt.Print("proceed? [y]es / [n]o / [a]lways for identical calls: ")

	answer := make(chan string, 1)
	go func() {
		reader := bufio.NewReader(os.Stdin)
		line, _ := reader.ReadString('\n')
		answer <- strings.ToLower(strings.TrimSpace(line))
	}()

	select {
	case <-ctx.Done():
		return scheduler.ConfirmationDecision{}, ctx.Err()
	case a := <-answer:
		switch a {
		case "y", "yes":
			return scheduler.ConfirmationDecision{Approved: true}, nil
		case "a", "always":
			return scheduler.ConfirmationDecision{Approved: true, Remember: true}, nil
		default:
			return scheduler.ConfirmationDecision{}, nil
		}
	}
}

// streamResponse relays one sendMessageStream to the terminal.
func streamResponse(ctx context.Context, client *agent.Client, input string) error {
	events, err := client.SendMessageStream(ctx, input)
	if err != nil {
		return err
	}
	for ev := range events {
		switch ev.Type {
		case agent.EventText:
			fmt.Print(ev.Text)
		case agent.EventToolRunning:
			fmt.Printf("\n[%s running]\n", ev.ToolName)
		case agent.EventToolFinished:
			if ev.OK {
				fmt.Printf("[%s: %s]\n", ev.ToolName, ev.Summary)
			} else {
				fmt.Printf("[%s failed: %s]\n", ev.ToolName, ev.Summary)
			}
		case agent.EventError:
			fmt.Fprintf(os.Stderr, "\n%s: %s\n", ev.Err.Kind, ev.Err.Message)
		case agent.EventFinish:
			fmt.Println()
		}
	}
	return nil
}
