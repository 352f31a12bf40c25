package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"notifyrelay/internal/emergency"
	"notifyrelay/internal/model"
	logx "notifyrelay/pkg/logx"
)

// Operator is the emergency surface the chat commands drive.
type Operator interface {
	Status() emergency.Status
	RunHealthCheck(ctx context.Context) emergency.HealthReport
	ActivateEmergencyMode(ctx context.Context, reason, by string) error
	DeactivateEmergencyMode(ctx context.Context, by string) error
	Events(n int) []emergency.Event
	ResolveEvent(ctx context.Context, id, by string) bool
}

// Suspender is the manual recovery surface.
type Suspender interface {
	Suspend(id model.ChannelID, reason string) bool
	Resume(id model.ChannelID) bool
}

type CommandsConfig struct {
	Token       string
	Owners      []int64
	PollTimeout time.Duration
	// Timeout bounds one command.
	Timeout time.Duration
}

type handlerFunc func(ctx context.Context, req *request) (string, error)

type middleware func(next handlerFunc) handlerFunc

func chain(h handlerFunc, m ...middleware) handlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

type request struct {
	FromID   int64
	Username string
	Command  string
	Args     []string
}

// by names the operator in audit entries.
func (r *request) by() string {
	if r.Username != "" {
		return "tg:@" + r.Username
	}
	return "tg:" + strconv.FormatInt(r.FromID, 10)
}

type command struct {
	name  string
	usage string
	desc  string
	run   handlerFunc
}

// Commands is an owner-only chat command surface over long polling.
type Commands struct {
	cfg CommandsConfig
	log logx.Logger
	op  Operator
	rec Suspender
	bot *tele.Bot

	mu     sync.RWMutex
	owners []int64

	cmds   map[string]command
	order  []string
	handle handlerFunc
}

func NewCommands(cfg CommandsConfig, op Operator, rec Suspender, log logx.Logger) (*Commands, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	// Offline skips the getMe round trip at construction; polling starts in
	// Run.
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		Client:  &http.Client{Timeout: cfg.PollTimeout + 10*time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	c := newCommands(cfg, op, rec, log)
	c.bot = b
	b.Handle(tele.OnText, c.onText)
	return c, nil
}

func newCommands(cfg CommandsConfig, op Operator, rec Suspender, log logx.Logger) *Commands {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := &Commands{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "telegram.commands")),
		op:     op,
		rec:    rec,
		owners: slices.Clone(cfg.Owners),
		cmds:   map[string]command{},
	}
	for _, cmd := range []command{
		{"status", "/status", "emergency and notification state", c.cmdStatus},
		{"health", "/health", "run the system health check", c.cmdHealth},
		{"emergency", "/emergency on <reason> | off", "toggle emergency mode", c.cmdEmergency},
		{"events", "/events [n]", "recent emergency events", c.cmdEvents},
		{"resolve", "/resolve <event-id>", "mark an event resolved", c.cmdResolve},
		{"suspend", "/suspend <channel> [reason]", "stop automatic recovery of a channel", c.cmdSuspend},
		{"resume", "/resume <channel>", "resume recovery of a channel", c.cmdResume},
		{"help", "/help", "this list", c.cmdHelp},
	} {
		c.cmds[cmd.name] = cmd
		c.order = append(c.order, cmd.name)
	}
	c.handle = chain(c.dispatch, c.mwOwnerOnly, c.mwPanicRecover, c.mwTimeout, c.mwRequestLog)
	return c
}

// SetOwners replaces the owner allowlist. Safe during hot reload.
func (c *Commands) SetOwners(owners []int64) {
	cp := slices.Clone(owners)
	c.mu.Lock()
	c.owners = cp
	c.mu.Unlock()
}

func (c *Commands) isOwner(id int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Contains(c.owners, id)
}

// Run polls until ctx is done. A poll loop that exits on its own is
// reported as an error so the caller's supervisor restarts it.
func (c *Commands) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.bot.Start()
	}()
	c.log.Info("command polling started")
	select {
	case <-ctx.Done():
		c.bot.Stop()
		<-done
		c.log.Info("command polling stopped")
		return nil
	case <-done:
		return errors.New("telegram poller exited")
	}
}

func (c *Commands) onText(tc tele.Context) error {
	sender := tc.Sender()
	if sender == nil {
		return nil
	}
	req, ok := parseCommand(tc.Text())
	if !ok {
		return nil
	}
	req.FromID, req.Username = sender.ID, sender.Username

	reply, err := c.handle(context.Background(), req)
	if err != nil {
		reply = "⚠️ " + esc(err.Error())
	}
	if reply == "" {
		return nil
	}
	for _, chunk := range splitText(reply, textLimit, string(tele.ModeHTML)) {
		if err := tc.Send(chunk, &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true}); err != nil {
			return err
		}
	}
	return nil
}

// parseCommand splits "/cmd@bot arg1 arg2". Non-command text is ignored.
func parseCommand(text string) (*request, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return nil, false
	}
	name := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return nil, false
	}
	return &request{Command: strings.ToLower(name), Args: fields[1:]}, true
}

func (c *Commands) dispatch(ctx context.Context, req *request) (string, error) {
	cmd, ok := c.cmds[req.Command]
	if !ok {
		return "unknown command, try /help", nil
	}
	return cmd.run(ctx, req)
}

// mwOwnerOnly drops requests from non-owners silently so the bot does not
// reveal itself in shared chats.
func (c *Commands) mwOwnerOnly(next handlerFunc) handlerFunc {
	return func(ctx context.Context, req *request) (string, error) {
		if !c.isOwner(req.FromID) {
			c.log.Debug("command from non-owner ignored", logx.Int64("from_id", req.FromID), logx.String("cmd", req.Command))
			return "", nil
		}
		return next(ctx, req)
	}
}

func (c *Commands) mwPanicRecover(next handlerFunc) handlerFunc {
	return func(ctx context.Context, req *request) (reply string, err error) {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("panic recovered", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				reply, err = "", errors.New("internal error")
			}
		}()
		return next(ctx, req)
	}
}

func (c *Commands) mwTimeout(next handlerFunc) handlerFunc {
	return func(ctx context.Context, req *request) (string, error) {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		return next(cctx, req)
	}
}

func (c *Commands) mwRequestLog(next handlerFunc) handlerFunc {
	return func(ctx context.Context, req *request) (string, error) {
		start := time.Now()
		reply, err := next(ctx, req)
		fields := []logx.Field{
			logx.Int64("from_id", req.FromID),
			logx.String("cmd", req.Command),
			logx.Duration("dur", time.Since(start)),
		}
		if err != nil {
			c.log.Warn("command failed", append(fields, logx.Err(err))...)
		} else {
			c.log.Info("command ok", fields...)
		}
		return reply, err
	}
}

func (c *Commands) cmdHelp(context.Context, *request) (string, error) {
	var b strings.Builder
	b.WriteString(bold("notifyrelay operator commands") + "\n")
	for _, name := range c.order {
		cmd := c.cmds[name]
		fmt.Fprintf(&b, "%s %s\n", code(cmd.usage), esc(cmd.desc))
	}
	return b.String(), nil
}

func (c *Commands) cmdStatus(context.Context, *request) (string, error) {
	st := c.op.Status()
	var b strings.Builder
	mode := "off"
	if st.EmergencyMode {
		mode = "ON"
	}
	fmt.Fprintf(&b, "<b>emergency mode:</b> %s\n", mode)
	if st.EmergencyMode {
		fmt.Fprintf(&b, "reason: %s\nby: %s since %s\n",
			esc(st.Reason), esc(st.ActivatedBy), st.ActivatedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "fallback: %t\nnotifications: %t\n", st.FallbackActive, st.NotificationsEnabled)
	if !st.DisabledUntil.IsZero() {
		fmt.Fprintf(&b, "disabled until: %s\n", st.DisabledUntil.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "events: %d total, %d active, %d manual, %d overdue\n",
		st.TotalEvents, st.ActiveEvents, st.ManualIntervention, st.Overdue)
	fmt.Fprintf(&b, "escalations: %d sent, %d throttled", st.Escalations, st.EscalationsThrottled)
	return b.String(), nil
}

func (c *Commands) cmdHealth(ctx context.Context, _ *request) (string, error) {
	rep := c.op.RunHealthCheck(ctx)
	var b strings.Builder
	fmt.Fprintf(&b, "<b>health:</b> %s\n", rep.Status)
	for _, comp := range rep.Components {
		mark := "✅"
		if !comp.Healthy {
			mark = "❌"
		}
		fmt.Fprintf(&b, "%s %s %s", mark, esc(comp.Name), italic(comp.Latency.Round(time.Millisecond).String()))
		if comp.Error != "" {
			fmt.Fprintf(&b, " %s", esc(truncRunes(comp.Error, errorRunes)))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (c *Commands) cmdEmergency(ctx context.Context, req *request) (string, error) {
	if len(req.Args) == 0 {
		return "usage: <code>/emergency on &lt;reason&gt; | off</code>", nil
	}
	switch strings.ToLower(req.Args[0]) {
	case "on":
		reason := strings.Join(req.Args[1:], " ")
		if reason == "" {
			return "", errors.New("a reason is required")
		}
		if err := c.op.ActivateEmergencyMode(ctx, reason, req.by()); err != nil {
			return "", err
		}
		return "🚨 emergency mode activated", nil
	case "off":
		if err := c.op.DeactivateEmergencyMode(ctx, req.by()); err != nil {
			return "", err
		}
		return "✅ emergency mode deactivated", nil
	default:
		return "", fmt.Errorf("unknown mode %q", req.Args[0])
	}
}

func (c *Commands) cmdEvents(_ context.Context, req *request) (string, error) {
	n := 5
	if len(req.Args) > 0 {
		v, err := strconv.Atoi(req.Args[0])
		if err != nil || v <= 0 {
			return "", fmt.Errorf("invalid count %q", req.Args[0])
		}
		n = min(v, 50)
	}
	events := c.op.Events(n)
	if len(events) == 0 {
		return "no emergency events", nil
	}
	var b strings.Builder
	for _, ev := range events {
		state := "open"
		if !ev.ResolvedAt.IsZero() {
			state = "resolved"
		}
		fmt.Fprintf(&b, "%s %s %s [%s] %s\n",
			code(ev.ID), ev.At.UTC().Format(time.RFC3339), ev.Type, ev.Level, state)
		if ev.Error != "" {
			fmt.Fprintf(&b, "  %s\n", esc(truncRunes(ev.Error, errorRunes)))
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (c *Commands) cmdResolve(ctx context.Context, req *request) (string, error) {
	if len(req.Args) != 1 {
		return "usage: <code>/resolve &lt;event-id&gt;</code>", nil
	}
	if !c.op.ResolveEvent(ctx, req.Args[0], req.by()) {
		return "", fmt.Errorf("event %s not found or already resolved", req.Args[0])
	}
	return "resolved " + code(req.Args[0]), nil
}

func (c *Commands) cmdSuspend(_ context.Context, req *request) (string, error) {
	if len(req.Args) == 0 {
		return "usage: <code>/suspend &lt;channel&gt; [reason]</code>", nil
	}
	reason := strings.Join(req.Args[1:], " ")
	if reason == "" {
		reason = "manual"
	}
	reason += " (" + req.by() + ")"
	if !c.rec.Suspend(model.ChannelID(req.Args[0]), reason) {
		return "", fmt.Errorf("channel %s unknown or already suspended", req.Args[0])
	}
	return "suspended " + code(req.Args[0]), nil
}

func (c *Commands) cmdResume(_ context.Context, req *request) (string, error) {
	if len(req.Args) != 1 {
		return "usage: <code>/resume &lt;channel&gt;</code>", nil
	}
	if !c.rec.Resume(model.ChannelID(req.Args[0])) {
		return "", fmt.Errorf("channel %s is not suspended", req.Args[0])
	}
	return "resumed " + code(req.Args[0]), nil
}
