package alert

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	logx "kbconsole/pkg/logx"
)

// BuildSinks constructs the sinks enabled in cfg.
func BuildSinks(cfg Config, log logx.Logger) ([]Sink, error) {
	var sinks []Sink
	if cfg.Log {
		sinks = append(sinks, NewLogSink(log))
	}
	if cfg.Command.Enabled {
		s, err := NewCommandSink(cfg.Command)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.Telegram.Enabled {
		s, err := NewTelegramSink(cfg.Telegram)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

// LogSink writes each alert to the log.
type LogSink struct{ log logx.Logger }

func NewLogSink(log logx.Logger) *LogSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Alert(_ context.Context, e Event) error {
	s.log.Info("new notification", logx.String("event", e.ID), logx.Int("unread", e.Unread), logx.Int("coalesced", e.Coalesced))
	return nil
}

// CommandSink runs an external program, typically a sound player.
type CommandSink struct {
	path string
	args []string
}

func NewCommandSink(cfg CommandConfig) (*CommandSink, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, ErrNoCommand
	}
	return &CommandSink{path: path, args: append([]string(nil), cfg.Args...)}, nil
}

func (s *CommandSink) Name() string { return "command" }

func (s *CommandSink) Alert(ctx context.Context, e Event) error {
	cmd := exec.CommandContext(ctx, s.path, s.args...)
	cmd.Env = append(cmd.Environ(), fmt.Sprintf("FEED_UNREAD=%d", e.Unread), "FEED_ALERT_ID="+e.ID)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(out.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", s.path, err, msg)
		}
		return fmt.Errorf("%s: %w", s.path, err)
	}
	return nil
}

const defaultTemplate = "New admin notification ({unread} unread)"

// sender is the subset of *tele.Bot used to deliver alerts.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// TelegramSink posts alerts to a chat, at most one per MinInterval.
type TelegramSink struct {
	bot      sender
	chat     *tele.Chat
	threadID int
	template string
	limiter  *rate.Limiter
}

func NewTelegramSink(cfg TelegramConfig) (*TelegramSink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("alert: telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("alert: telegram: %w", err)
	}
	return newTelegramSink(b, cfg)
}

func newTelegramSink(bot sender, cfg TelegramConfig) (*TelegramSink, error) {
	if cfg.ChatID == 0 {
		return nil, ErrNoChat
	}
	every := cfg.MinInterval
	if every <= 0 {
		every = 30 * time.Second
	}
	tpl := cfg.Template
	if strings.TrimSpace(tpl) == "" {
		tpl = defaultTemplate
	}
	return &TelegramSink{
		bot:      bot,
		chat:     &tele.Chat{ID: cfg.ChatID},
		threadID: cfg.ThreadID,
		template: tpl,
		limiter:  rate.NewLimiter(rate.Every(every), 1),
	}, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Alert(ctx context.Context, e Event) error {
	if !s.limiter.Allow() {
		return ErrThrottled
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	text := strings.ReplaceAll(s.template, "{unread}", fmt.Sprint(e.Unread))
	_, err := s.bot.Send(s.chat, text, &tele.SendOptions{ThreadID: s.threadID, DisableWebPagePreview: true})
	return err
}
