// Package telegram wraps the Bot API SDK for the three calls the relay needs:
// text messages, voice notes and message deletion.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const defaultAPIBase = "https://api.telegram.org"

// Config configures the Bot API client.
type Config struct {
	Token         string
	APIBase       string
	RatePerSecond float64
	Timeout       time.Duration
}

// APIError is a Bot API response with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  int
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("telegram %s: %d %s (retry after %ds)", e.Method, e.Code, e.Description, e.RetryAfter)
	}
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// Client sends requests through the SDK, paced by a token bucket.
type Client struct {
	bot     *tgbotapi.BotAPI
	token   string
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New builds a Client. It does not contact the API; the token is checked on
// the first send.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 25
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	burst := int(cfg.RatePerSecond)
	if burst < 1 {
		burst = 1
	}

	// NewBotAPIWithClient calls getMe, which would make startup depend on
	// the network.
	bot := &tgbotapi.BotAPI{
		Token:  cfg.Token,
		Client: httpClient,
		Buffer: 100,
	}
	bot.SetAPIEndpoint(cfg.APIBase + "/bot%s/%s")

	return &Client{
		bot:     bot,
		token:   cfg.Token,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst),
		logger:  logger,
	}, nil
}

// chat resolves chatID into the SDK's numeric id or @channel form.
type chat struct {
	id       int64
	username string
}

func parseChat(chatID string) (chat, error) {
	chatID = strings.TrimSpace(chatID)
	if strings.HasPrefix(chatID, "@") {
		return chat{username: chatID}, nil
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return chat{}, fmt.Errorf("invalid telegram chat id %q", chatID)
	}
	return chat{id: id}, nil
}

// SendMessage posts HTML text and returns the new message id.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) (int64, error) {
	to, err := parseChat(chatID)
	if err != nil {
		return 0, err
	}
	msg := tgbotapi.NewMessage(to.id, text)
	msg.ChannelUsername = to.username
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	return c.send(ctx, "sendMessage", msg)
}

// SendVoice uploads path as a voice note with an HTML caption.
func (c *Client) SendVoice(ctx context.Context, chatID, path, caption string, duration time.Duration) (int64, error) {
	to, err := parseChat(chatID)
	if err != nil {
		return 0, err
	}
	if _, err := os.Stat(path); err != nil {
		return 0, fmt.Errorf("open voice file: %w", err)
	}
	voice := tgbotapi.NewVoice(to.id, tgbotapi.FilePath(path))
	voice.ChannelUsername = to.username
	voice.Caption = caption
	voice.ParseMode = tgbotapi.ModeHTML
	if secs := int(duration.Round(time.Second) / time.Second); secs > 0 {
		voice.Duration = secs
	}
	return c.send(ctx, "sendVoice", voice)
}

// DeleteMessage removes a previously sent message.
func (c *Client) DeleteMessage(ctx context.Context, chatID string, messageID int64) error {
	to, err := parseChat(chatID)
	if err != nil {
		return err
	}
	del := tgbotapi.NewDeleteMessage(to.id, int(messageID))
	del.ChannelUsername = to.username

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram rate limiter: %w", err)
	}
	start := time.Now()
	_, err = c.bot.Request(del)
	c.logCall("deleteMessage", start, err)
	return c.wrap("deleteMessage", err)
}

func (c *Client) send(ctx context.Context, method string, msg tgbotapi.Chattable) (int64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("telegram rate limiter: %w", err)
	}
	start := time.Now()
	sent, err := c.bot.Send(msg)
	c.logCall(method, start, err)
	if err != nil {
		return 0, c.wrap(method, err)
	}
	return int64(sent.MessageID), nil
}

func (c *Client) logCall(method string, start time.Time, err error) {
	c.logger.Debug("telegram call",
		zap.String("method", method),
		zap.Bool("ok", err == nil),
		zap.Duration("elapsed", time.Since(start)),
	)
}

// wrap turns SDK errors into APIError and strips the token from transport
// errors, which embed the request URL.
func (c *Client) wrap(method string, err error) error {
	if err == nil {
		return nil
	}
	var sdkErr *tgbotapi.Error
	if errors.As(err, &sdkErr) {
		return &APIError{
			Method:      method,
			Code:        sdkErr.Code,
			Description: sdkErr.Message,
			RetryAfter:  sdkErr.RetryAfter,
		}
	}
	return fmt.Errorf("telegram %s: %w", method, redact(err, c.token))
}

func redact(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return fmt.Errorf("%s", strings.ReplaceAll(err.Error(), token, "<redacted>"))
}
