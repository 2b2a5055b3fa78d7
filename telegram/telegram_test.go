package telegram

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cometbft/cometbft/libs/log"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neulerxyz/NamadaMissBot/config"
	"github.com/neulerxyz/NamadaMissBot/metrics"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
	err  error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return tgbotapi.Message{}, f.err
	}
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func (f *fakeSender) messages() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tgbotapi.MessageConfig(nil), f.sent...)
}

func TestFormatMissedBlocks(t *testing.T) {
	tests := []struct {
		name  string
		event config.MissedBlocksEvent
		want  string
	}{
		{
			name: "with heights",
			event: config.MissedBlocksEvent{
				ValidatorAddress: "tnam1qxexample",
				MissedCount:      3,
				MissedHeights:    []int64{101, 105, 106},
			},
			want: "tnam1qxexample missed 3 blocks: [101, 105, 106]",
		},
		{
			name:  "without heights",
			event: config.MissedBlocksEvent{ValidatorAddress: "tnam1qxexample", MissedCount: 12},
			want:  "tnam1qxexample missed 12 blocks.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatMissedBlocks(tt.event))
		})
	}
}

func TestSendRoutesChatID(t *testing.T) {
	sender := &fakeSender{}
	m := metrics.New("op")

	NewWithSender(sender, "-1001234", nil, m, log.NewNopLogger()).sendTelegramMessage("numeric")
	NewWithSender(sender, "@namada_alerts", nil, m, log.NewNopLogger()).sendTelegramMessage("channel")

	msgs := sender.messages()
	require.Len(t, msgs, 2)
	assert.EqualValues(t, -1001234, msgs[0].ChatID)
	assert.Equal(t, "numeric", msgs[0].Text)
	assert.Equal(t, "@namada_alerts", msgs[1].ChannelUsername)
	assert.Equal(t, "channel", msgs[1].Text)
	assert.Zero(t, testutil.ToFloat64(m.AlertsFailed))
}

func TestSendFailuresAreSwallowed(t *testing.T) {
	m := metrics.New("op")

	NewWithSender(&fakeSender{err: errors.New("Bad Request: chat not found")}, "1", nil, m, log.NewNopLogger()).
		sendTelegramMessage("lost")
	NewWithSender(&fakeSender{}, "not-a-chat", nil, m, log.NewNopLogger()).
		sendTelegramMessage("lost")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.AlertsFailed))
}

func TestRunDeliversEvents(t *testing.T) {
	sender := &fakeSender{}
	ch := make(chan config.MissedBlocksEvent, 2)
	tgb := NewWithSender(sender, "42", ch, metrics.New("op"), log.NewNopLogger())

	ch <- config.MissedBlocksEvent{ValidatorAddress: "op", MissedCount: 5, MissedHeights: []int64{1, 2, 3, 4, 5}}
	ch <- config.MissedBlocksEvent{ValidatorAddress: "op", MissedCount: 2}
	close(ch)

	done := make(chan error, 1)
	go func() { done <- tgb.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the channel was closed")
	}

	msgs := sender.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "op missed 5 blocks: [1, 2, 3, 4, 5]", msgs[0].Text)
	assert.Equal(t, "op missed 2 blocks.", msgs[1].Text)
}

func TestRunStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tgb := NewWithSender(&fakeSender{}, "42", make(chan config.MissedBlocksEvent), metrics.New("op"), log.NewNopLogger())

	done := make(chan error, 1)
	go func() { done <- tgb.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run ignored context cancellation")
	}
}

func TestRunSendsQueuedAlertsAfterCancel(t *testing.T) {
	for i := 0; i < 50; i++ {
		sender := &fakeSender{}
		ch := make(chan config.MissedBlocksEvent, 2)
		tgb := NewWithSender(sender, "42", ch, metrics.New("op"), log.NewNopLogger())

		ch <- config.MissedBlocksEvent{ValidatorAddress: "op", MissedCount: 4, MissedHeights: []int64{7, 8, 9, 10}}
		ch <- config.MissedBlocksEvent{ValidatorAddress: "op", MissedCount: 5}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		require.NoError(t, tgb.Run(ctx))

		msgs := sender.messages()
		require.Len(t, msgs, 2, "iteration %d", i)
		assert.Equal(t, "op missed 4 blocks: [7, 8, 9, 10]", msgs[0].Text)
		assert.Equal(t, "op missed 5 blocks.", msgs[1].Text)
	}
}

func TestRunDrainsClosedQueueAfterCancel(t *testing.T) {
	sender := &fakeSender{}
	ch := make(chan config.MissedBlocksEvent, 1)
	tgb := NewWithSender(sender, "42", ch, metrics.New("op"), log.NewNopLogger())

	ch <- config.MissedBlocksEvent{ValidatorAddress: "op", MissedCount: 3}
	close(ch)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, tgb.Run(ctx))
	require.Len(t, sender.messages(), 1)
}

// botAPITransport answers Bot API calls locally. getMe fails when authFails
// is set; sendMessage records the posted form.
type botAPITransport struct {
	mu        sync.Mutex
	authFails bool
	forms     []url.Values
}

func (rt *botAPITransport) RoundTrip(req *http.Request) (*http.Response, error) {
	respond := func(body string) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       io.NopCloser(strings.NewReader(body)),
			Request:    req,
		}, nil
	}

	switch {
	case strings.HasSuffix(req.URL.Path, "/getMe"):
		if rt.authFails {
			return nil, errors.New("dial tcp: i/o timeout")
		}
		return respond(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"miss","username":"namada_miss_bot"}}`)

	case strings.HasSuffix(req.URL.Path, "/sendMessage"):
		if err := req.ParseForm(); err != nil {
			return nil, err
		}
		rt.mu.Lock()
		rt.forms = append(rt.forms, req.PostForm)
		rt.mu.Unlock()
		return respond(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"group"},"text":"ok"}}`)
	}
	return nil, errors.New("unexpected Bot API call " + req.URL.Path)
}

func TestNewTelegramBotSendsThroughBotAPI(t *testing.T) {
	tests := []struct {
		name      string
		authFails bool
	}{
		{"authorized", false},
		{"getMe unreachable", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := &botAPITransport{authFails: tt.authFails}
			cfg := config.Config{BotToken: "123:abc", ChatID: "42"}
			m := metrics.New("op")

			tgb := newTelegramBot(cfg, &http.Client{Transport: rt}, nil, m, log.NewNopLogger())
			require.NotNil(t, tgb)

			tgb.sendTelegramMessage("op missed 3 blocks.")

			require.Len(t, rt.forms, 1)
			assert.Equal(t, "42", rt.forms[0].Get("chat_id"))
			assert.Equal(t, "op missed 3 blocks.", rt.forms[0].Get("text"))
			assert.Zero(t, testutil.ToFloat64(m.AlertsFailed))
		})
	}
}
