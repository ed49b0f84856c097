// Package control is the owner-only operator console served over Telegram.
//
// Commands:
//
//	/groups                              groups and member counts
//	/send <group> | <message>            broadcast now and report
//	/schedule <when> <group> | <message> broadcast later (RFC3339 or +30m)
//	/pending                             scheduled broadcasts not yet fired
//	/cancel <id>                         cancel a scheduled broadcast
//	/settings                            current throttling rules
//	/ai [on|off]                         show or switch the AI fallback
package control

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"autobot/internal/contacts"
	"autobot/internal/dispatch"
	"autobot/internal/runtime/supervisor"
	"autobot/internal/storage"
	"autobot/internal/transport/telegram"
	"autobot/pkg/logx"
)

// Messenger sends operator replies.
type Messenger interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

type Broadcaster interface {
	SendToGroup(ctx context.Context, group, template string, at *time.Time) (dispatch.Result, error)
	CancelScheduled(id string) error
	Pending() []dispatch.ScheduledBroadcast
	Settings() dispatch.Settings
}

type Directory interface {
	Groups() []string
	ListContactsByGroup(ctx context.Context, group string) ([]contacts.Contact, error)
}

type AIToggle interface {
	AIEnabled() bool
	SetAIEnabled(ctx context.Context, on bool) error
}

type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Config struct {
	Owners         []int64
	Workers        int
	QueueSize      int
	CommandTimeout time.Duration
}

type Deps struct {
	Messenger  Messenger
	Dispatcher Broadcaster
	Contacts   Directory
	AI         AIToggle // optional
	Audit      Auditor  // optional
	Log        logx.Logger
	Now        func() time.Time
}

// Request is one parsed operator command.
type Request struct {
	ChatID  int64
	FromID  int64
	Command string
	Args    string
	ReqID   string
	Logger  logx.Logger
}

type Command struct {
	Name        string
	Aliases     []string
	Usage       string
	Description string
	// Timeout overrides Config.CommandTimeout; negative disables it.
	Timeout time.Duration
	Handle  HandlerFunc
}

type Console struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	mu       sync.RWMutex
	owners   []int64
	commands map[string]*Command
	ordered  []*Command

	jobs chan func(context.Context)
}

func New(cfg Config, deps Deps) *Console {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Console{
		cfg:      cfg,
		deps:     deps,
		log:      log.With(logx.String("comp", "control")),
		owners:   slices.Clone(cfg.Owners),
		commands: map[string]*Command{},
		jobs:     make(chan func(context.Context), cfg.QueueSize),
	}
	c.register()
	return c
}

// SetOwners replaces the owner list; safe during hot reload.
func (c *Console) SetOwners(owners []int64) {
	cp := slices.Clone(owners)
	c.mu.Lock()
	c.owners = cp
	c.mu.Unlock()
}

func (c *Console) isOwner(id int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Contains(c.owners, id)
}

// Menu lists the commands for the bot's command menu.
func (c *Console) Menu() []telegram.BotCommand {
	out := make([]telegram.BotCommand, 0, len(c.ordered))
	for _, cmd := range c.ordered {
		out = append(out, telegram.BotCommand{Command: cmd.Name, Description: cmd.Description})
	}
	return out
}

// Run routes messages from in until ctx is done or in is closed. Commands
// run on a small worker pool; a full queue answers "ocupado".
func (c *Console) Run(ctx context.Context, in <-chan telegram.Message) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(c.log), supervisor.WithCancelOnError(false))
	for i := range c.cfg.Workers {
		sup.GoRestart("control.worker."+strconv.Itoa(i), func(wctx context.Context) error {
			for {
				select {
				case <-wctx.Done():
					return nil
				case job := <-c.jobs:
					job(wctx)
				}
			}
		}, supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	c.log.Info("operator console started", logx.Int("workers", c.cfg.Workers))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = sup.Wait(wctx)
		c.log.Info("operator console stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-in:
			if !ok {
				return nil
			}
			h, req := c.route(ctx, m)
			if h == nil {
				continue
			}
			select {
			case c.jobs <- func(wctx context.Context) { _ = h(wctx, req) }:
			default:
				c.send(ctx, req, "ocupado, tente novamente")
			}
		}
	}
}

// route parses m and returns the handler to run, or nil when m was not a
// command or was answered already.
func (c *Console) route(ctx context.Context, m telegram.Message) (HandlerFunc, *Request) {
	text := strings.TrimSpace(m.Text)
	if !strings.HasPrefix(text, "/") {
		return nil, nil
	}
	word, args := text[1:], ""
	if i := strings.IndexFunc(word, unicode.IsSpace); i >= 0 {
		word, args = word[:i], strings.TrimSpace(word[i:])
	}
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = strings.ToLower(word)

	req := &Request{ChatID: m.ChatID, FromID: m.FromID, Command: word, Args: args, ReqID: newReqID()}
	req.Logger = c.log.With(
		logx.String("rid", req.ReqID),
		logx.Int64("chat_id", m.ChatID),
		logx.Int64("from_id", m.FromID),
		logx.String("cmd", word),
	)

	if !c.isOwner(m.FromID) {
		req.Logger.Warn("command from non-owner")
		c.send(ctx, req, "não autorizado")
		return nil, nil
	}
	c.mu.RLock()
	cmd := c.commands[word]
	c.mu.RUnlock()
	if cmd == nil {
		c.send(ctx, req, "comando desconhecido. use /help")
		return nil, nil
	}
	req.Command = cmd.Name

	timeout := cmd.Timeout
	if timeout == 0 {
		timeout = c.cfg.CommandTimeout
	}
	return Chain(
		cmd.Handle,
		MWRequestLog(c.log),
		MWReplyError(c.send),
		MWPanicRecover(c.log),
		MWTimeout(timeout),
	), req
}

// exec runs m inline.
func (c *Console) exec(ctx context.Context, m telegram.Message) error {
	h, req := c.route(ctx, m)
	if h == nil {
		return nil
	}
	return h(ctx, req)
}

func (c *Console) send(ctx context.Context, req *Request, text string) {
	if c.deps.Messenger == nil {
		return
	}
	if err := c.deps.Messenger.SendText(ctx, req.ChatID, text); err != nil {
		req.Logger.Warn("reply failed", logx.Err(err))
	}
}

func (c *Console) audit(ctx context.Context, req *Request, action, target string, ok, fail int, err error) {
	if c.deps.Audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:     c.deps.Now(),
		Actor:  "telegram:" + strconv.FormatInt(req.FromID, 10),
		Action: action,
		Target: target,
		OK:     ok,
		Fail:   fail,
	}
	if err != nil {
		e.Error = err.Error()
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if aerr := c.deps.Audit.AppendAudit(actx, e); aerr != nil {
		req.Logger.Warn("audit append failed", logx.Err(aerr))
	}
}

// describe turns an error into operator-facing text.
func describe(err error) string {
	switch {
	case errors.Is(err, errUsage):
		return err.Error()
	case errors.Is(err, dispatch.ErrNotFound):
		return "agendamento não encontrado"
	case errors.Is(err, dispatch.ErrNotPending):
		return "o agendamento já foi disparado ou cancelado"
	case errors.Is(err, dispatch.ErrInvalidSchedule):
		return "a data deve estar no futuro"
	case errors.Is(err, dispatch.ErrInvalidRequest):
		return "grupo e mensagem são obrigatórios"
	case errors.Is(err, dispatch.ErrQueueFull):
		return "fila de envios cheia, tente mais tarde"
	case errors.Is(err, dispatch.ErrStopped):
		return "o disparador está parado"
	case errors.Is(err, context.DeadlineExceeded):
		return "tempo esgotado"
	default:
		return "erro: " + err.Error()
	}
}

func newReqID() string {
	var b [6]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
