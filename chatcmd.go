package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"fabchat/api"
	"fabchat/chat"
	"fabchat/config"
	"fabchat/database"
	"fabchat/logger"
	"fabchat/models"
	"fabchat/notify"
	"fabchat/transport"
)

const chatHelp = `commands:
  /list            show conversations
  /open <id>       open a conversation
  /older           load older messages
  /retry <id>      resend a failed message
  /away, /back     toggle window visibility
  /quit            leave
anything else is sent to the open conversation`

func chatCommand() *cli.Command {
	return &cli.Command{
		Name:  "chat",
		Usage: "Run a terminal chat client against a relay",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "user",
				Aliases: []string{"u"},
				Usage:   "User id (overrides FABCHAT_CLIENT_USER_ID)",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.StringSlice("env-file")...)
			if err != nil {
				return err
			}
			if user := c.String("user"); user != "" {
				cfg.Client.UserID = user
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runChat(c.Context, cfg, os.Stdin, os.Stdout)
		},
	}
}

func runChat(parent context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	state, err := database.Open(cfg.Client.StatePath)
	if err != nil {
		return err
	}
	defer state.Close()

	channel := transport.New(cfg.Client.WSURL, transport.WithLogger(log))
	deps := chat.Deps{
		Transport:  channel,
		Remote:     api.NewClient(cfg.Client.ServerURL, cfg.Client.UserID, nil),
		FocusStore: state,
		Logger:     log,
	}
	if cfg.Client.Notifications {
		deps.Desktop = notify.BeeepNotifier{AppName: "fabchat", IconPath: cfg.Client.NotificationIcon}
	}

	engine, err := chat.New(cfg, deps)
	if err != nil {
		return err
	}

	channel.On(models.EventGroupMessage, func(p json.RawMessage) {
		var m models.InboundMessage
		if json.Unmarshal(p, &m) != nil {
			return
		}
		if m.GroupID == engine.Session.FocusedConversation() && m.SenderID != cfg.Client.UserID {
			fmt.Fprintf(out, "%s: %s\n", senderLabel(m.SenderName, m.SenderID), m.Content)
		}
	})

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer engine.Close()

	fmt.Fprintln(out, chatHelp)
	printMessages(out, engine.Messages())

	// the scanner cannot be interrupted, so the reader is left behind on exit
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, engine, out, line); quit {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, e *chat.Engine, out io.Writer, line string) (quit bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit":
		return true
	case "/list":
		for _, c := range e.Conversations.Entries() {
			marker := " "
			if c.UnreadCount > 0 {
				marker = "*"
			}
			fmt.Fprintf(out, "%s %-36s %-24s %s\n", marker, c.ID, c.Name, c.Preview)
		}
	case "/open":
		if arg == "" {
			fmt.Fprintln(out, "usage: /open <id>")
			return false
		}
		if err := e.Open(ctx, arg); err != nil {
			fmt.Fprintf(out, "open failed: %v\n", err)
			return false
		}
		printMessages(out, e.Messages())
	case "/older":
		n, err := e.LoadOlder(ctx)
		if err != nil {
			fmt.Fprintf(out, "load failed: %v\n", err)
			return false
		}
		fmt.Fprintf(out, "loaded %d older messages\n", n)
		printMessages(out, e.Messages())
	case "/retry":
		if _, err := e.Retry(arg); err != nil {
			fmt.Fprintf(out, "retry failed: %v\n", err)
		}
	case "/away":
		e.SetVisible(false)
	case "/back":
		e.SetVisible(true)
	default:
		if _, err := e.Send(line); err != nil {
			fmt.Fprintf(out, "send failed: %v\n", err)
		}
	}
	return false
}

func printMessages(out io.Writer, msgs []models.Message) {
	for _, m := range msgs {
		state := ""
		if m.State != models.StateConfirmed {
			state = fmt.Sprintf(" [%s %s]", m.State, m.ID)
		}
		fmt.Fprintf(out, "%s %s: %s%s\n", m.CreatedAt.Local().Format("15:04"), senderLabel(m.SenderName, m.SenderID), m.Content, state)
	}
}

func senderLabel(name, id string) string {
	if name != "" {
		return name
	}
	return id
}
