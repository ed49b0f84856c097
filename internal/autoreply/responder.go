// Package autoreply answers inbound customer messages from keyword rules,
// falling back to the local model when the AI toggle is on.
package autoreply

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"autobot/internal/eventbus"
	"autobot/internal/llm"
	"autobot/internal/storage"
	"autobot/internal/transport"
	"autobot/pkg/logx"
)

const (
	AudioErrorReply = "Desculpe, houve um erro ao processar o áudio."
	AIErrorReply    = "Desculpe, tive um problema ao processar sua mensagem. Por favor, tente novamente em alguns instantes."

	settingAIEnabled = "ai_enabled"
	maxSenders       = 4096
)

var (
	ErrRuleNotFound = errors.New("rule not found")
	ErrInvalidRule  = errors.New("invalid rule")
)

type RuleType string

const (
	RuleText  RuleType = "text"
	RuleAudio RuleType = "audio"
)

type Rule struct {
	ID        string    `json:"id"`
	Trigger   string    `json:"trigger"`
	Response  string    `json:"response"`
	Type      RuleType  `json:"type"`
	AudioFile string    `json:"audioFile,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Store interface {
	ListRules(ctx context.Context) ([]storage.RuleRecord, error)
	PutRule(ctx context.Context, r storage.RuleRecord) error
	DeleteRule(ctx context.Context, id string) error
	GetSetting(ctx context.Context, key string) (string, bool, error)
	PutSetting(ctx context.Context, key, value string) error
}

// Generator produces a model answer for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type Config struct {
	AudioDir         string
	EnabledByDefault bool
	Business         llm.BusinessContext

	// per-sender reply throttle
	RatePerMinute float64
	Burst         int
}

type Responder struct {
	mu        sync.RWMutex
	cfg       Config
	rules     []Rule
	aiEnabled bool

	store Store
	gen   Generator
	log   logx.Logger
	bus   eventbus.Bus

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(cfg Config, store Store, gen Generator, log logx.Logger, bus eventbus.Bus) *Responder {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Responder{
		cfg:       cfg,
		aiEnabled: cfg.EnabledByDefault,
		store:     store,
		gen:       gen,
		log:       log.With(logx.String("comp", "autoreply")),
		bus:       bus,
		limiters:  map[string]*rate.Limiter{},
	}
}

// Load reads rules and the AI toggle from the store.
func (r *Responder) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	recs, err := r.store.ListRules(ctx)
	if err != nil {
		return err
	}
	rules := make([]Rule, 0, len(recs))
	for _, rec := range recs {
		rules = append(rules, fromRecord(rec))
	}
	v, ok, err := r.store.GetSetting(ctx, settingAIEnabled)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = rules
	if ok {
		if b, perr := strconv.ParseBool(v); perr == nil {
			r.aiEnabled = b
		}
	}
	return nil
}

// Apply swaps the runtime config. The persisted AI toggle is kept.
func (r *Responder) Apply(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
	r.limMu.Lock()
	r.limiters = map[string]*rate.Limiter{}
	r.limMu.Unlock()
}

func (r *Responder) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.rules)
}

func validate(rule Rule) (Rule, error) {
	rule.Trigger = strings.TrimSpace(rule.Trigger)
	rule.AudioFile = strings.TrimSpace(rule.AudioFile)
	if rule.Type == "" {
		rule.Type = RuleText
	}
	if rule.Trigger == "" {
		return rule, fmt.Errorf("%w: trigger is required", ErrInvalidRule)
	}
	switch rule.Type {
	case RuleText:
		if strings.TrimSpace(rule.Response) == "" {
			return rule, fmt.Errorf("%w: response is required", ErrInvalidRule)
		}
	case RuleAudio:
		if rule.AudioFile == "" {
			return rule, fmt.Errorf("%w: audio file is required", ErrInvalidRule)
		}
	default:
		return rule, fmt.Errorf("%w: unknown type %q", ErrInvalidRule, rule.Type)
	}
	return rule, nil
}

func (r *Responder) AddRule(ctx context.Context, rule Rule) (Rule, error) {
	rule, err := validate(rule)
	if err != nil {
		return Rule{}, err
	}
	rule.ID = uuid.NewString()
	rule.CreatedAt = time.Now()
	if err := r.save(ctx, rule); err != nil {
		return Rule{}, err
	}
	r.mu.Lock()
	r.rules = append(r.rules, rule)
	r.mu.Unlock()
	return rule, nil
}

// UpdateRule replaces the fields of rule id, keeping its position.
func (r *Responder) UpdateRule(ctx context.Context, id string, rule Rule) (Rule, error) {
	rule, err := validate(rule)
	if err != nil {
		return Rule{}, err
	}
	r.mu.RLock()
	i := slices.IndexFunc(r.rules, func(x Rule) bool { return x.ID == id })
	if i >= 0 {
		rule.ID, rule.CreatedAt = id, r.rules[i].CreatedAt
	}
	r.mu.RUnlock()
	if i < 0 {
		return Rule{}, ErrRuleNotFound
	}
	if err := r.save(ctx, rule); err != nil {
		return Rule{}, err
	}
	r.mu.Lock()
	if i := slices.IndexFunc(r.rules, func(x Rule) bool { return x.ID == id }); i >= 0 {
		r.rules[i] = rule
	}
	r.mu.Unlock()
	return rule, nil
}

func (r *Responder) DeleteRule(ctx context.Context, id string) error {
	r.mu.RLock()
	found := slices.ContainsFunc(r.rules, func(x Rule) bool { return x.ID == id })
	r.mu.RUnlock()
	if !found {
		return ErrRuleNotFound
	}
	if r.store != nil {
		if err := r.store.DeleteRule(ctx, id); err != nil {
			return fmt.Errorf("delete rule: %w", err)
		}
	}
	r.mu.Lock()
	r.rules = slices.DeleteFunc(r.rules, func(x Rule) bool { return x.ID == id })
	r.mu.Unlock()
	return nil
}

func (r *Responder) save(ctx context.Context, rule Rule) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.PutRule(ctx, toRecord(rule)); err != nil {
		return fmt.Errorf("save rule: %w", err)
	}
	return nil
}

func (r *Responder) AIEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.aiEnabled
}

func (r *Responder) SetAIEnabled(ctx context.Context, on bool) error {
	if r.store != nil {
		if err := r.store.PutSetting(ctx, settingAIEnabled, strconv.FormatBool(on)); err != nil {
			return fmt.Errorf("save ai toggle: %w", err)
		}
	}
	r.mu.Lock()
	r.aiEnabled = on
	r.mu.Unlock()
	r.log.Info("ai toggle changed", logx.Bool("enabled", on))
	return nil
}

// Match returns the first rule whose trigger occurs in body, ignoring case.
func (r *Responder) Match(body string) (Rule, bool) {
	low := strings.ToLower(body)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rule := range r.rules {
		if rule.Trigger != "" && strings.Contains(low, strings.ToLower(rule.Trigger)) {
			return rule, true
		}
	}
	return Rule{}, false
}

// HandleInbound decides the reply for msg. ok is false when nothing should
// be sent: empty body, throttled sender, or no rule matched with AI off.
// Model and audio problems become apology replies, not errors.
func (r *Responder) HandleInbound(ctx context.Context, msg transport.InboundMessage) (reply transport.Reply, ok bool, err error) {
	if err := ctx.Err(); err != nil {
		return transport.Reply{}, false, err
	}
	body := strings.TrimSpace(msg.Body)
	if body == "" || msg.From == "" {
		return transport.Reply{}, false, nil
	}
	if !r.allow(msg.From) {
		r.log.Debug("sender throttled", logx.String("from", msg.From))
		return transport.Reply{}, false, nil
	}

	if rule, found := r.Match(body); found {
		if rule.Type != RuleAudio {
			return transport.Reply{To: msg.From, Kind: transport.ReplyText, Text: rule.Response}, true, nil
		}
		r.mu.RLock()
		dir := r.cfg.AudioDir
		r.mu.RUnlock()
		path := filepath.Join(dir, filepath.Base(rule.AudioFile))
		if _, serr := os.Stat(path); serr != nil {
			r.log.Warn("audio file not found", logx.String("rule", rule.ID), logx.String("path", path), logx.Err(serr))
			return transport.Reply{To: msg.From, Kind: transport.ReplyText, Text: AudioErrorReply}, true, nil
		}
		return transport.Reply{To: msg.From, Kind: transport.ReplyAudio, Text: rule.Response, AudioPath: path}, true, nil
	}

	r.mu.RLock()
	enabled, business := r.aiEnabled, r.cfg.Business
	r.mu.RUnlock()
	if !enabled || r.gen == nil {
		return transport.Reply{}, false, nil
	}
	answer, gerr := r.gen.Generate(ctx, llm.BuildPrompt(business, body))
	if gerr != nil {
		r.log.Warn("model answer failed", logx.String("from", msg.From), logx.Err(gerr))
		return transport.Reply{To: msg.From, Kind: transport.ReplyText, Text: AIErrorReply}, true, nil
	}
	return transport.Reply{To: msg.From, Kind: transport.ReplyText, Text: answer}, true, nil
}

// Respond handles msg and sends the reply, if any. A failed audio reply is
// followed by the audio apology text.
func (r *Responder) Respond(ctx context.Context, msg transport.InboundMessage, out transport.Replier) (bool, error) {
	reply, ok, err := r.HandleInbound(ctx, msg)
	if err != nil || !ok {
		return false, err
	}
	err = out.Reply(ctx, reply)
	if err != nil && reply.Kind == transport.ReplyAudio {
		r.log.Warn("audio reply failed", logx.String("to", reply.To), logx.Err(err))
		err = out.Reply(ctx, transport.Reply{To: reply.To, Kind: transport.ReplyText, Text: AudioErrorReply})
	}
	if err != nil {
		return false, fmt.Errorf("reply to %s: %w", reply.To, err)
	}
	r.bus.Publish(eventbus.Event{Type: eventbus.TopicAutoReply, Data: reply})
	return true, nil
}

func (r *Responder) allow(sender string) bool {
	r.mu.RLock()
	perMin, burst := r.cfg.RatePerMinute, r.cfg.Burst
	r.mu.RUnlock()
	if perMin <= 0 {
		return true
	}
	if burst <= 0 {
		burst = 1
	}

	r.limMu.Lock()
	defer r.limMu.Unlock()
	lim := r.limiters[sender]
	if lim == nil {
		if len(r.limiters) >= maxSenders {
			r.limiters = map[string]*rate.Limiter{}
		}
		lim = rate.NewLimiter(rate.Limit(perMin/60), burst)
		r.limiters[sender] = lim
	}
	return lim.Allow()
}

func toRecord(r Rule) storage.RuleRecord {
	return storage.RuleRecord{
		ID:        r.ID,
		Trigger:   r.Trigger,
		Response:  r.Response,
		Type:      string(r.Type),
		AudioFile: r.AudioFile,
		CreatedAt: r.CreatedAt,
	}
}

func fromRecord(r storage.RuleRecord) Rule {
	return Rule{
		ID:        r.ID,
		Trigger:   r.Trigger,
		Response:  r.Response,
		Type:      RuleType(r.Type),
		AudioFile: r.AudioFile,
		CreatedAt: r.CreatedAt,
	}
}
