package channels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/dmmdekkd/yunkit/internal/audit"
	"github.com/dmmdekkd/yunkit/internal/relay"
)

// ErrNoTarget is returned by adapter calls before any conversation is known.
var ErrNoTarget = errors.New("telegram: no target chat")

var loginCommand = regexp.MustCompile(`^(#|/)?登录链接$`)

// isLoginCommand reports whether text asks for a viewer login link.
func isLoginCommand(text string) bool {
	text = strings.TrimSpace(text)
	if loginCommand.MatchString(text) {
		return true
	}
	cmd, _, _ := strings.Cut(text, "@") // "/login@my_bot" in groups
	return cmd == "/login"
}

// sender is the subset of *tgbotapi.BotAPI used outside the poll loop.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type TelegramOptions struct {
	Token      string
	AllowedIDs []int64
	// DefaultChatID is the first relay target. Zero waits for an allowed
	// user to write to the bot.
	DefaultChatID int64
	// Usernames maps Telegram user IDs to viewer usernames. Unmapped users
	// get DefaultUser.
	Usernames   map[int64]string
	DefaultUser string
	TokenTTL    time.Duration
	Issuer      LoginIssuer
	Logger      *slog.Logger
	// LibraryLog receives the bot library's own log lines. Nil keeps the
	// library default.
	LibraryLog io.Writer
	// OnConnect runs once the bot is authorized, OnDisconnect when Start
	// returns after a successful connect.
	OnConnect    func()
	OnDisconnect func()
}

// TelegramChannel is both the in-chat login command and the bot adapter
// the relay drives.
type TelegramChannel struct {
	token       string
	allowedIDs  map[int64]struct{}
	usernames   map[int64]string
	defaultUser string
	ttl         time.Duration
	issuer      LoginIssuer
	logger      *slog.Logger
	libraryLog  io.Writer

	onConnect    func()
	onDisconnect func()

	botMu sync.RWMutex
	bot   sender

	target   atomic.Int64
	lastSent atomic.Int64
}

var _ relay.Adapter = (*TelegramChannel)(nil)

func NewTelegramChannel(opts TelegramOptions) *TelegramChannel {
	allowed := make(map[int64]struct{}, len(opts.AllowedIDs))
	for _, id := range opts.AllowedIDs {
		allowed[id] = struct{}{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 30 * time.Minute
	}
	t := &TelegramChannel{
		token:       opts.Token,
		allowedIDs:  allowed,
		usernames:   opts.Usernames,
		defaultUser: opts.DefaultUser,
		ttl:         opts.TokenTTL,
		issuer:      opts.Issuer,
		logger:      opts.Logger,
		libraryLog:  opts.LibraryLog,

		onConnect:    opts.OnConnect,
		onDisconnect: opts.OnDisconnect,
	}
	t.target.Store(opts.DefaultChatID)
	return t
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) setBot(b sender) {
	t.botMu.Lock()
	defer t.botMu.Unlock()
	t.bot = b
}

func (t *TelegramChannel) client() (sender, error) {
	t.botMu.RLock()
	defer t.botMu.RUnlock()
	if t.bot == nil {
		return nil, relay.ErrAdapterUnavailable
	}
	return t.bot, nil
}

// Start connects to Telegram and long-polls until ctx ends, reconnecting
// with exponential backoff.
func (t *TelegramChannel) Start(ctx context.Context) error {
	if t.libraryLog != nil {
		// The library logger is package global.
		if err := tgbotapi.SetLogger(log.New(t.libraryLog, "telegram: ", 0)); err != nil {
			return fmt.Errorf("telegram logger: %w", err)
		}
	}
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.setBot(bot)
	defer t.setBot(nil)
	if t.onConnect != nil {
		t.onConnect()
	}
	if t.onDisconnect != nil {
		defer t.onDisconnect()
	}

	t.logger.Info("telegram bot started", "user", bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}
		t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// pollUpdates reads updates until ctx is done, the channel closes, or
// nothing arrives for 2.5 long-poll timeouts. It returns nil only when ctx
// was canceled.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)
			t.handleUpdate(ctx, update)
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}
	if _, ok := t.allowedIDs[msg.From.ID]; !ok {
		t.logger.Warn("telegram access denied", "user_id", msg.From.ID, "user_name", msg.From.UserName)
		if isLoginCommand(msg.Text) {
			audit.Record(audit.Event{
				Decision: audit.Deny,
				Action:   "token.issue",
				Reason:   "telegram_user_not_allowed",
				Remote:   "telegram:" + strconv.FormatInt(msg.From.ID, 10),
			})
		}
		return
	}

	// The latest allowed conversation becomes the relay target.
	t.target.Store(msg.Chat.ID)

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	t.logger.Info(fmt.Sprintf("[telegram] %s(%d): %s", msg.From.UserName, msg.From.ID, text))

	if isLoginCommand(text) {
		t.handleLogin(ctx, msg)
	}
}

func (t *TelegramChannel) handleLogin(ctx context.Context, msg *tgbotapi.Message) {
	username := t.usernames[msg.From.ID]
	if username == "" {
		username = t.defaultUser
	}
	if username == "" || t.issuer == nil {
		t.reply(msg.Chat.ID, "未配置用户，无法生成登录链接")
		return
	}
	link, err := t.issuer.LoginLink(ctx, username, "chat")
	if err != nil {
		t.logger.Error("login link failed", "username", username, "error", err)
		t.reply(msg.Chat.ID, "生成登录链接失败: "+err.Error())
		return
	}
	t.reply(msg.Chat.ID, fmt.Sprintf("登录链接已生成，请在 %d 分钟内使用：\n%s", int(t.ttl/time.Minute), link))
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	bot, err := t.client()
	if err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
		return
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}

// Target returns the chat adapter calls go to, zero when none is known.
func (t *TelegramChannel) Target() int64 {
	return t.target.Load()
}

func (t *TelegramChannel) prepare(ctx context.Context) (sender, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	bot, err := t.client()
	if err != nil {
		return nil, 0, err
	}
	chatID := t.target.Load()
	if chatID == 0 {
		return nil, 0, ErrNoTarget
	}
	return bot, chatID, nil
}

func (t *TelegramChannel) send(ctx context.Context, c func(chatID int64) tgbotapi.Chattable) error {
	bot, chatID, err := t.prepare(ctx)
	if err != nil {
		return err
	}
	sent, err := bot.Send(c(chatID))
	if err != nil {
		return err
	}
	t.lastSent.Store(int64(sent.MessageID))
	return nil
}

func (t *TelegramChannel) Message(ctx context.Context, content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.New("telegram: empty message")
	}
	return t.send(ctx, func(chatID int64) tgbotapi.Chattable {
		return tgbotapi.NewMessage(chatID, content)
	})
}

// SendMsg sends the text segments as one message. Other segment types are
// shown as a [type] placeholder.
func (t *TelegramChannel) SendMsg(ctx context.Context, segments []relay.Segment) error {
	var b strings.Builder
	for _, seg := range segments {
		if seg.Type == "text" {
			b.WriteString(seg.Text)
			continue
		}
		fmt.Fprintf(&b, "[%s]", seg.Type)
	}
	return t.Message(ctx, b.String())
}

func (t *TelegramChannel) SendFile(ctx context.Context, data []byte, name string) error {
	if name == "" {
		name = "file"
	}
	return t.send(ctx, func(chatID int64) tgbotapi.Chattable {
		return tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: name, Bytes: data})
	})
}

// RecallMsg deletes messageID from the target chat, or the last message
// this bot sent when messageID is empty.
func (t *TelegramChannel) RecallMsg(ctx context.Context, messageID string) error {
	bot, chatID, err := t.prepare(ctx)
	if err != nil {
		return err
	}
	var id int
	if messageID = strings.TrimSpace(messageID); messageID == "" {
		id = int(t.lastSent.Load())
		if id == 0 {
			return errors.New("telegram: nothing to recall")
		}
	} else if id, err = strconv.Atoi(messageID); err != nil {
		return fmt.Errorf("telegram: message id %q: %w", messageID, err)
	}
	_, err = bot.Request(tgbotapi.NewDeleteMessage(chatID, id))
	return err
}

// PickFriend moves the target to the next allowed chat.
func (t *TelegramChannel) PickFriend(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ids := make([]int64, 0, len(t.allowedIDs))
	for id := range t.allowedIDs {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return ErrNoTarget
	}
	slices.Sort(ids)
	next := ids[0]
	if i := slices.Index(ids, t.target.Load()); i >= 0 {
		next = ids[(i+1)%len(ids)]
	}
	t.target.Store(next)
	t.logger.Info(fmt.Sprintf("[telegram] 当前会话: %d", next))
	return nil
}
