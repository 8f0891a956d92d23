package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	rtsup "discquiz/internal/runtime/supervisor"
	kit "discquiz/internal/transport"
	logx "discquiz/pkg/logx"
)

const (
	telegramTextLimit = 4000
	quizQuestionLimit = 300
	nameCacheTTL      = time.Hour
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// RatePerSec bounds outgoing API calls. 0 means 30.
	RatePerSec int
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	limiter *rate.Limiter
	out     atomic.Value // chan<- kit.Update
	runMu   sync.Mutex
	running bool

	// sup owns the poll loop and the drop reporter; created on Start.
	sup *rtsup.Supervisor

	droppedUpdates atomic.Uint64

	menuMu   sync.Mutex
	menuHash uint64

	namesMu sync.Mutex
	names   map[int64]cachedName
}

type cachedName struct {
	name string
	at   time.Time
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return newWithBot(b, cfg, log), nil
}

func newWithBot(b *tele.Bot, cfg Config, log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 30
	}
	a := &Adapter{
		cfg:     cfg,
		log:     log,
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		names:   map[int64]cachedName{},
	}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a
}

// SetLogger replaces the boot logger. Call it before Start.
func (a *Adapter) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		a.log = log
	}
}

func (a *Adapter) registerHandlers() {
	// Handlers forward to the current output channel; Start swaps it.
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		msg := &kit.Message{
			ID:       m.ID,
			ChatID:   m.Chat.ID,
			ThreadID: m.ThreadID,
			Text:     m.Text,
			IsGroup:  m.Chat.Type != tele.ChatPrivate,
		}
		if m.Sender != nil {
			msg.FromID = m.Sender.ID
			msg.FromUsername = m.Sender.Username
		}
		a.sendUpdate(kit.Update{Kind: kit.UpdateMessage, Message: msg})
		return nil
	})

	a.bot.Handle(tele.OnPollAnswer, func(c tele.Context) error {
		pa := c.PollAnswer()
		if pa == nil {
			return nil
		}
		ans := &kit.PollAnswer{PollID: pa.PollID, Options: append([]int(nil), pa.Options...)}
		if pa.Sender != nil {
			ans.UserID = pa.Sender.ID
			ans.Username = pa.Sender.Username
		}
		a.sendUpdate(kit.Update{Kind: kit.UpdatePollAnswer, PollAnswer: ans})
		return nil
	})
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.droppedUpdates.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		report := func() {
			if n := a.droppedUpdates.Swap(0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)", logx.Int64("count", int64(n)), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// telebot's Start blocks until Stop; an early return is restarted.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("telebot poller exited")
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping")
	sup.Cancel()

	// keep shutdown snappy even if getUpdates is still waiting
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

// splitTelegramText splits long messages into chunks Telegram accepts. It
// prefers newline boundaries and, in HTML mode, avoids cutting inside a tag.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// avoid tiny chunks
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func (a *Adapter) wait(ctx context.Context) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram rate limit: %w", err)
	}
	return nil
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range splitTelegramText(text, telegramTextLimit, opt.ParseMode) {
		if err := a.wait(ctx); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// SendLog implements the log sink used by logx.
func (a *Adapter) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	_, err := a.SendText(ctx, kit.ChatTarget{ChatID: chatID, ThreadID: threadID}, text, &kit.SendOptions{DisablePreview: true})
	return err
}

type pollOption struct {
	Text string `json:"text"`
}

type sendPollRequest struct {
	ChatID               int64        `json:"chat_id"`
	ThreadID             int          `json:"message_thread_id,omitempty"`
	Question             string       `json:"question"`
	Options              []pollOption `json:"options"`
	IsAnonymous          bool         `json:"is_anonymous"`
	Type                 string       `json:"type"`
	CorrectOptionID      int          `json:"correct_option_id"`
	Explanation          string       `json:"explanation,omitempty"`
	ExplanationParseMode string       `json:"explanation_parse_mode,omitempty"`
}

func buildPollRequest(to kit.ChatTarget, q kit.Quiz) (sendPollRequest, error) {
	if utf8.RuneCountInString(q.Question) > quizQuestionLimit {
		return sendPollRequest{}, fmt.Errorf("%w: %d characters", kit.ErrQuestionTooLong, utf8.RuneCountInString(q.Question))
	}
	if len(q.Options) < 2 {
		return sendPollRequest{}, errors.New("quiz needs at least two options")
	}
	if q.CorrectOption < 0 || q.CorrectOption >= len(q.Options) {
		return sendPollRequest{}, fmt.Errorf("correct option %d out of range", q.CorrectOption)
	}
	req := sendPollRequest{
		ChatID:          to.ChatID,
		ThreadID:        to.ThreadID,
		Question:        q.Question,
		IsAnonymous:     q.Anonymous,
		Type:            string(tele.PollQuiz),
		CorrectOptionID: q.CorrectOption,
	}
	for _, o := range q.Options {
		req.Options = append(req.Options, pollOption{Text: o})
	}
	if strings.TrimSpace(q.Explanation) != "" {
		req.Explanation = q.Explanation
		req.ExplanationParseMode = q.ExplanationParseMode
	}
	return req, nil
}

func decodeSentPoll(to kit.ChatTarget, data []byte) (kit.SentPoll, error) {
	var resp struct {
		Result tele.Message `json:"result"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return kit.SentPoll{}, fmt.Errorf("decode sendPoll reply: %w", err)
	}
	if resp.Result.Poll == nil || resp.Result.Poll.ID == "" {
		return kit.SentPoll{}, errors.New("sendPoll reply carries no poll")
	}
	return kit.SentPoll{
		Ref:    kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: resp.Result.ID},
		PollID: resp.Result.Poll.ID,
	}, nil
}

// SendQuiz posts a quiz poll. The raw call is used so that a correct
// option of 0 is always sent.
func (a *Adapter) SendQuiz(ctx context.Context, to kit.ChatTarget, q kit.Quiz) (kit.SentPoll, error) {
	req, err := buildPollRequest(to, q)
	if err != nil {
		return kit.SentPoll{}, err
	}
	if err := a.wait(ctx); err != nil {
		return kit.SentPoll{}, err
	}
	data, err := a.bot.Raw("sendPoll", req)
	if err != nil {
		return kit.SentPoll{}, err
	}
	return decodeSentPoll(to, data)
}

func (a *Adapter) StopPoll(ctx context.Context, ref kit.MessageRef) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	_, err := a.bot.StopPoll(tele.StoredMessage{MessageID: strconv.Itoa(ref.MessageID), ChatID: ref.ChatID})
	return err
}

// ChatName returns the username of a user (or the title of a group),
// cached for an hour.
func (a *Adapter) ChatName(ctx context.Context, id int64) (string, error) {
	a.namesMu.Lock()
	if c, ok := a.names[id]; ok && time.Since(c.at) < nameCacheTTL {
		a.namesMu.Unlock()
		return c.name, nil
	}
	a.namesMu.Unlock()

	if err := a.wait(ctx); err != nil {
		return "", err
	}
	chat, err := a.bot.ChatByID(id)
	if err != nil {
		return "", err
	}
	name := displayName(chat)

	a.namesMu.Lock()
	a.names[id] = cachedName{name: name, at: time.Now()}
	a.namesMu.Unlock()
	return name, nil
}

func displayName(c *tele.Chat) string {
	switch {
	case c == nil:
		return ""
	case c.Username != "":
		return c.Username
	case c.Title != "":
		return c.Title
	default:
		return strings.TrimSpace(c.FirstName + " " + c.LastName)
	}
}

// UpdateMenuCommands publishes the bot command menu (setMyCommands). It
// only calls Telegram when the list changed.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	for _, c := range cmds {
		h.Write([]byte(c.Command))
		h.Write([]byte{0})
		h.Write([]byte(c.Description))
		h.Write([]byte{0})
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}

	type cmd struct {
		Command     string `json:"command"`
		Description string `json:"description"`
	}
	payload := struct {
		Commands []cmd `json:"commands"`
	}{Commands: make([]cmd, 0, len(cmds))}
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		payload.Commands = append(payload.Commands, cmd{Command: c.Command, Description: d})
		if len(payload.Commands) >= 100 {
			break
		}
	}

	if err := a.wait(ctx); err != nil {
		return err
	}
	if _, err := a.bot.Raw("setMyCommands", payload); err != nil {
		return fmt.Errorf("telegram setMyCommands: %w", err)
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(payload.Commands)))
	return nil
}
