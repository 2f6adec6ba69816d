package alert

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	logx "kbconsole/pkg/logx"
)

func logxNop() logx.Logger { return logx.Nop() }

type fakeBot struct {
	sent []string
	opts []*tele.SendOptions
	to   []tele.Recipient
	err  error
}

func (b *fakeBot) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	b.to = append(b.to, to)
	b.sent = append(b.sent, what.(string))
	for _, o := range opts {
		if so, ok := o.(*tele.SendOptions); ok {
			b.opts = append(b.opts, so)
		}
	}
	return &tele.Message{ID: len(b.sent)}, b.err
}

func TestTelegramSinkSendsAndThrottles(t *testing.T) {
	bot := &fakeBot{}
	s, err := newTelegramSink(bot, TelegramConfig{ChatID: -100123, ThreadID: 7, MinInterval: time.Hour, Template: "🔔 {unread} unread"})
	require.NoError(t, err)

	require.NoError(t, s.Alert(context.Background(), Event{Unread: 5}))
	require.Len(t, bot.sent, 1)
	assert.Equal(t, "🔔 5 unread", bot.sent[0])
	assert.Equal(t, "-100123", bot.to[0].Recipient())
	assert.Equal(t, 7, bot.opts[0].ThreadID)

	assert.ErrorIs(t, s.Alert(context.Background(), Event{Unread: 6}), ErrThrottled)
	assert.Len(t, bot.sent, 1)
}

func TestTelegramSinkValidation(t *testing.T) {
	_, err := newTelegramSink(&fakeBot{}, TelegramConfig{})
	assert.ErrorIs(t, err, ErrNoChat)

	_, err = NewTelegramSink(TelegramConfig{ChatID: 1})
	assert.Error(t, err)
}

func TestTelegramSinkPropagatesSendError(t *testing.T) {
	bot := &fakeBot{err: errors.New("chat not found")}
	s, err := newTelegramSink(bot, TelegramConfig{ChatID: 1})
	require.NoError(t, err)
	assert.EqualError(t, s.Alert(context.Background(), Event{Unread: 1}), "chat not found")
}

func TestCommandSink(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	ok, err := NewCommandSink(CommandConfig{Path: sh, Args: []string{"-c", `test "$FEED_UNREAD" = 4`}})
	require.NoError(t, err)
	assert.NoError(t, ok.Alert(context.Background(), Event{Unread: 4}))

	bad, err := NewCommandSink(CommandConfig{Path: sh, Args: []string{"-c", "echo no audio device >&2; exit 3"}})
	require.NoError(t, err)
	err = bad.Alert(context.Background(), Event{Unread: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no audio device")

	_, err = NewCommandSink(CommandConfig{Path: "  "})
	assert.ErrorIs(t, err, ErrNoCommand)
}

func TestBuildSinks(t *testing.T) {
	sinks, err := BuildSinks(Config{Log: true, Command: CommandConfig{Enabled: true, Path: "paplay", Args: []string{"alert.oga"}}}, logxNop())
	require.NoError(t, err)
	assert.Equal(t, []string{"log", "command"}, sinkNames(sinks))

	_, err = BuildSinks(Config{Telegram: TelegramConfig{Enabled: true}}, logxNop())
	assert.Error(t, err)
}
