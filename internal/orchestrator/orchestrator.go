// Package orchestrator wires channels, the state store, the group queue and
// the agent runner together. It owns the registered groups and both message
// cursors.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JaisonBinns/nanoclaw/internal/bus"
	"github.com/JaisonBinns/nanoclaw/internal/container"
	"github.com/JaisonBinns/nanoclaw/internal/queue"
	"github.com/JaisonBinns/nanoclaw/internal/session"
	"github.com/JaisonBinns/nanoclaw/internal/store"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
)

const (
	dedupCacheSize = 4096

	metadataFlushTimeout = 10 * time.Second

	scheduledTaskPrefix = "[SCHEDULED TASK - This run was started automatically, not by a user message. " +
		"Write to the IPC mailbox if you need to message the chat.]\n\n"
)

// Config holds orchestrator settings.
type Config struct {
	AssistantName        string
	TriggerPattern       string
	MainGroupFolder      string
	PollInterval         time.Duration
	MetadataSyncInterval time.Duration
	Paths                container.Paths
}

// AgentRunner runs one agent invocation. *container.Runner satisfies it.
type AgentRunner interface {
	Run(ctx context.Context, group store.RegisteredGroup, in container.Input, onProcess container.ProcessCallback) (*container.Output, error)
}

// Messenger delivers outbound traffic. *channels.Manager satisfies it.
type Messenger interface {
	SendMessage(ctx context.Context, chatID, text string) error
	SetTyping(ctx context.Context, chatID string, on bool)
	SyncMetadata(ctx context.Context) error
}

// MailboxDrainer drains one group's IPC mailbox. *ipc.Watcher satisfies it.
type MailboxDrainer interface {
	ProcessGroup(ctx context.Context, folder string) int
}

// Orchestrator is the glue between inbound chat traffic and agent runs.
type Orchestrator struct {
	cfg      Config
	store    *store.Store
	bus      *bus.MessageBus
	queue    *queue.GroupQueue
	runner   AgentRunner
	out      Messenger
	sessions *session.Manager
	trigger  *regexp.Regexp
	seen     *lru.Cache[string, struct{}]

	// Orders message writes against the poll's read-then-advance.
	ingestMu sync.Mutex
	// Set while runMetadataIngest is consuming the bus.
	metaIngest atomic.Bool

	mu      sync.RWMutex
	groups  map[string]store.RegisteredGroup // by jid
	seenTs  string
	agentTs map[string]string
	mailbox MailboxDrainer
}

// New loads persisted state and registers the orchestrator as the queue's
// message handler.
func New(cfg Config, st *store.Store, messageBus *bus.MessageBus, q *queue.GroupQueue, runner AgentRunner, out Messenger) (*Orchestrator, error) {
	if cfg.AssistantName == "" {
		return nil, errors.New("assistant name is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MetadataSyncInterval <= 0 {
		cfg.MetadataSyncInterval = 24 * time.Hour
	}
	trigger, err := TriggerPattern(cfg.AssistantName, cfg.TriggerPattern)
	if err != nil {
		return nil, fmt.Errorf("trigger pattern: %w", err)
	}
	sessions, err := session.NewManager(st)
	if err != nil {
		return nil, err
	}
	seen, err := lru.New[string, struct{}](dedupCacheSize)
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:      cfg,
		store:    st,
		bus:      messageBus,
		queue:    q,
		runner:   runner,
		out:      out,
		sessions: sessions,
		trigger:  trigger,
		seen:     seen,
	}
	if err := o.loadState(); err != nil {
		return nil, err
	}
	q.SetProcessMessagesFn(o.processGroupMessages)
	return o, nil
}

// Sessions returns the continuation token held for each group folder.
func (o *Orchestrator) Sessions() map[string]string { return o.sessions.All() }

// SetMailbox attaches the IPC drainer run after every invocation.
func (o *Orchestrator) SetMailbox(m MailboxDrainer) {
	o.mu.Lock()
	o.mailbox = m
	o.mu.Unlock()
}

func (o *Orchestrator) botPrefix() string { return o.cfg.AssistantName + ":" }

// ---------------------------------------------------------------------------
// Persisted state
// ---------------------------------------------------------------------------

func (o *Orchestrator) loadState() error {
	seenTs, err := o.store.GetRouterState(store.KeyLastTimestamp)
	if err != nil {
		return fmt.Errorf("load %s: %w", store.KeyLastTimestamp, err)
	}
	raw, err := o.store.GetRouterState(store.KeyLastAgentTimestamp)
	if err != nil {
		return fmt.Errorf("load %s: %w", store.KeyLastAgentTimestamp, err)
	}
	agentTs := map[string]string{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &agentTs); err != nil {
			slog.Warn("Corrupted agent cursors, resetting", "error", err)
			agentTs = map[string]string{}
		}
	}
	groups, err := o.store.AllRegisteredGroups()
	if err != nil {
		return fmt.Errorf("load registered groups: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.seenTs = seenTs
	o.agentTs = agentTs
	o.groups = groups
	// A cursor beyond the seen cursor would hide messages forever.
	for jid, ts := range o.agentTs {
		if ts > o.seenTs {
			o.agentTs[jid] = o.seenTs
		}
	}
	slog.Info("State loaded", "groups", len(groups), "seen", seenTs)
	return nil
}

// advanceSeen moves the global cursor forward and persists it.
func (o *Orchestrator) advanceSeen(ts string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ts <= o.seenTs {
		return nil
	}
	if err := o.store.SetRouterState(store.KeyLastTimestamp, ts); err != nil {
		return err
	}
	o.seenTs = ts
	return nil
}

// advanceAgent moves a group's cursor forward and persists the cursor map.
func (o *Orchestrator) advanceAgent(jid, ts string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ts <= o.agentTs[jid] {
		return nil
	}
	prev, had := o.agentTs[jid]
	o.agentTs[jid] = ts
	data, err := json.Marshal(o.agentTs)
	if err == nil {
		err = o.store.SetRouterState(store.KeyLastAgentTimestamp, string(data))
	}
	if err != nil {
		if had {
			o.agentTs[jid] = prev
		} else {
			delete(o.agentTs, jid)
		}
		return err
	}
	return nil
}

// Cursors returns the seen cursor and a copy of the per-group cursors.
func (o *Orchestrator) Cursors() (string, map[string]string) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]string, len(o.agentTs))
	for k, v := range o.agentTs {
		out[k] = v
	}
	return o.seenTs, out
}

// ---------------------------------------------------------------------------
// Registered groups
// ---------------------------------------------------------------------------

// RegisterGroup persists a group and prepares its folder.
func (o *Orchestrator) RegisterGroup(g store.RegisteredGroup) error {
	if g.JID == "" || g.Folder == "" {
		return errors.New("group jid and folder are required")
	}
	if g.AddedAt.IsZero() {
		g.AddedAt = time.Now()
	}
	if err := o.store.SetRegisteredGroup(g); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(o.cfg.Paths.GroupDir(g.Folder), "logs"), 0o755); err != nil {
		return fmt.Errorf("create group folder: %w", err)
	}
	o.mu.Lock()
	o.groups[g.JID] = g
	o.mu.Unlock()
	slog.Info("Group registered", "jid", g.JID, "name", g.Name, "folder", g.Folder)
	return nil
}

// RegisteredGroups returns a copy of the registered groups keyed by jid.
func (o *Orchestrator) RegisteredGroups() map[string]store.RegisteredGroup {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]store.RegisteredGroup, len(o.groups))
	for k, v := range o.groups {
		out[k] = v
	}
	return out
}

func (o *Orchestrator) group(jid string) (store.RegisteredGroup, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	g, ok := o.groups[jid]
	return g, ok
}

func (o *Orchestrator) groupByFolder(folder string) (store.RegisteredGroup, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, g := range o.groups {
		if g.Folder == folder {
			return g, true
		}
	}
	return store.RegisteredGroup{}, false
}

// AvailableGroups lists known chats for the groups snapshot.
func (o *Orchestrator) AvailableGroups() ([]container.AvailableGroup, error) {
	return Snapshots{Store: o.store}.AvailableGroups()
}

// SendAgentMessage delivers text written by an agent through the mailbox.
func (o *Orchestrator) SendAgentMessage(ctx context.Context, chatJID, text string) error {
	msg := FormatOutbound(o.cfg.AssistantName, text)
	if msg == "" {
		return nil
	}
	return o.out.SendMessage(ctx, chatJID, msg)
}

// ---------------------------------------------------------------------------
// Metadata sync
// ---------------------------------------------------------------------------

// SyncMetadata refreshes chat names from every capable channel. Unless
// forced, it is skipped when the last sync is more recent than the interval.
func (o *Orchestrator) SyncMetadata(ctx context.Context, force bool) error {
	if !force {
		last, err := o.store.GetRouterState(store.KeyLastGroupSync)
		if err == nil && last != "" {
			if t, perr := store.ParseTimestamp(last); perr == nil && time.Since(t) < o.cfg.MetadataSyncInterval {
				slog.Debug("Skipping metadata sync, synced recently", "last", last)
				return nil
			}
		}
	}
	if err := o.out.SyncMetadata(ctx); err != nil {
		return err
	}
	// Callers such as refresh_groups read the chats table right after.
	if o.metaIngest.Load() {
		fctx, cancel := context.WithTimeout(ctx, metadataFlushTimeout)
		err := o.bus.FlushMetadata(fctx)
		cancel()
		if err != nil {
			slog.Warn("Synced metadata not yet stored", "error", err)
		}
	}
	return o.store.SetRouterState(store.KeyLastGroupSync, store.FormatTimestamp(time.Now()))
}

func (o *Orchestrator) runMetadataSync(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.MetadataSyncInterval)
	defer ticker.Stop()
	for {
		if err := o.SyncMetadata(ctx, false); err != nil && ctx.Err() == nil {
			slog.Error("Metadata sync failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ---------------------------------------------------------------------------
// Ingest
// ---------------------------------------------------------------------------

func (o *Orchestrator) runIngest(ctx context.Context) error {
	for {
		msg, err := o.bus.ConsumeInbound(ctx)
		if err != nil {
			return nil
		}
		if err := o.ingest(msg); err != nil {
			slog.Error("Failed to store inbound message", "channel", msg.Channel, "chat", msg.ChatID, "error", err)
		}
	}
}

func (o *Orchestrator) runMetadataIngest(ctx context.Context) error {
	o.metaIngest.Store(true)
	defer o.metaIngest.Store(false)
	for {
		meta, err := o.bus.ConsumeMetadata(ctx)
		if err != nil {
			return nil
		}
		var ts string
		if !meta.Timestamp.IsZero() {
			ts = store.FormatTimestamp(meta.Timestamp)
		}
		if err := o.store.StoreChatMetadata(meta.ChatID, ts, meta.Name); err != nil {
			slog.Error("Failed to store chat metadata", "channel", meta.Channel, "chat", meta.ChatID, "error", err)
		}
	}
}

// ingest stores chat metadata for every chat and the message body only for
// registered groups. Redelivered ids are dropped.
func (o *Orchestrator) ingest(msg *bus.InboundMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if ok, _ := o.seen.ContainsOrAdd(msg.Channel+"|"+msg.ChatID+"|"+msg.ID, struct{}{}); ok {
		slog.Debug("Dropping duplicate inbound message", "chat", msg.ChatID, "id", msg.ID)
		return nil
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	ts := store.FormatTimestamp(msg.Timestamp)
	if err := o.store.StoreChatMetadata(msg.ChatID, ts, msg.ChatName); err != nil {
		return err
	}
	if _, ok := o.group(msg.ChatID); !ok {
		return nil
	}

	o.ingestMu.Lock()
	defer o.ingestMu.Unlock()
	if seenTs, _ := o.Cursors(); ts <= seenTs {
		// Late delivery; keep it inside the next poll window.
		if t, err := store.ParseTimestamp(seenTs); err == nil {
			slog.Debug("Restamping late message", "chat", msg.ChatID, "id", msg.ID, "was", ts)
			ts = store.FormatTimestamp(t.Add(time.Millisecond))
		}
	}
	return o.store.StoreMessage(store.Message{
		ID:         msg.ID,
		ChatJID:    msg.ChatID,
		Sender:     msg.SenderID,
		SenderName: msg.SenderName,
		Content:    msg.Content,
		Timestamp:  ts,
		IsFromMe:   msg.IsFromMe,
	})
}

// ---------------------------------------------------------------------------
// Poll loop
// ---------------------------------------------------------------------------

func (o *Orchestrator) runPoll(ctx context.Context) error {
	slog.Info("Message loop started", "interval", o.cfg.PollInterval, "trigger", o.trigger.String())
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := o.pollOnce(); err != nil {
			slog.Error("Message poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// pollOnce advances the seen cursor past newly stored messages, then asks
// the queue to check each group that received one.
func (o *Orchestrator) pollOnce() error {
	groups := o.RegisteredGroups()
	if len(groups) == 0 {
		return nil
	}
	jids := make([]string, 0, len(groups))
	for jid := range groups {
		jids = append(jids, jid)
	}
	o.ingestMu.Lock()
	defer o.ingestMu.Unlock()
	seenTs, _ := o.Cursors()
	msgs, newest, err := o.store.GetNewMessages(jids, seenTs, o.botPrefix())
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	slog.Info("New messages", "count", len(msgs))
	if err := o.advanceSeen(newest); err != nil {
		return fmt.Errorf("save seen cursor: %w", err)
	}
	enqueued := map[string]bool{}
	for _, m := range msgs {
		if enqueued[m.ChatJID] {
			continue
		}
		enqueued[m.ChatJID] = true
		o.queue.EnqueueMessageCheck(m.ChatJID)
	}
	return nil
}

// Recover enqueues every group holding messages between its agent cursor
// and the seen cursor, e.g. after a crash mid-invocation.
func (o *Orchestrator) Recover() error {
	seenTs, agentTs := o.Cursors()
	if seenTs == "" {
		return nil
	}
	for jid, g := range o.RegisteredGroups() {
		pending, err := o.store.GetMessagesSince(jid, agentTs[jid], seenTs, o.botPrefix())
		if err != nil {
			return fmt.Errorf("recover %s: %w", g.Name, err)
		}
		if len(pending) > 0 {
			slog.Info("Recovery: found unprocessed messages", "group", g.Name, "pending", len(pending))
			o.queue.EnqueueMessageCheck(jid)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Processing
// ---------------------------------------------------------------------------

// processGroupMessages is the queue's message handler. A nil return means
// the pending batch was handled; an error leaves the agent cursor in place
// so the queue's retry sees the same batch.
func (o *Orchestrator) processGroupMessages(ctx context.Context, jid string) error {
	g, ok := o.group(jid)
	if !ok {
		return nil
	}
	seenTs, agentTs := o.Cursors()
	if seenTs == "" {
		// Nothing has been polled yet, so the window is empty.
		return nil
	}
	msgs, err := o.store.GetMessagesSince(jid, agentTs[jid], seenTs, o.botPrefix())
	if err != nil {
		return fmt.Errorf("load pending messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}
	last := msgs[len(msgs)-1].Timestamp

	isMain := g.Folder == o.cfg.MainGroupFolder
	if !isMain && g.RequiresTrigger && !hasTrigger(o.trigger, msgs) {
		// Untriggered chatter is consumed without a run.
		return o.advanceAgent(jid, last)
	}

	slog.Info("Processing messages", "group", g.Name, "count", len(msgs))
	o.out.SetTyping(ctx, jid, true)
	out, runErr := o.runAgent(ctx, g, jid, container.Input{
		Prompt:  FormatMessages(msgs),
		ChatJID: jid,
		IsMain:  isMain,
	}, true)
	o.out.SetTyping(ctx, jid, false)
	o.drainMailbox(ctx, g.Folder)

	if runErr != nil {
		slog.Error("Agent run failed", "group", g.Name, "error", runErr)
		return runErr
	}
	if err := o.advanceAgent(jid, last); err != nil {
		return fmt.Errorf("save agent cursor: %w", err)
	}
	o.deliver(ctx, g, jid, out)
	return nil
}

// RunTask executes a scheduled task on its group's lane.
func (o *Orchestrator) RunTask(ctx context.Context, task store.ScheduledTask) (string, error) {
	g, ok := o.groupByFolder(task.GroupFolder)
	if !ok {
		return "", fmt.Errorf("group folder %q is not registered", task.GroupFolder)
	}
	chatJID := task.ChatJID
	if chatJID == "" {
		chatJID = g.JID
	}
	out, err := o.runAgent(ctx, g, chatJID, container.Input{
		Prompt:          scheduledTaskPrefix + task.Prompt,
		ChatJID:         chatJID,
		IsMain:          g.Folder == o.cfg.MainGroupFolder,
		IsScheduledTask: true,
	}, task.ContextMode != store.ContextIsolated)
	o.drainMailbox(ctx, g.Folder)
	if err != nil {
		return "", err
	}
	o.deliver(ctx, g, chatJID, out)
	switch {
	case out.Result.UserMessage != "":
		return out.Result.UserMessage, nil
	case out.Result.InternalLog != "":
		return out.Result.InternalLog, nil
	}
	return "Completed", nil
}

// runAgent invokes the runner with the group's session and records the new
// session token even when the run failed.
func (o *Orchestrator) runAgent(ctx context.Context, g store.RegisteredGroup, laneJID string, in container.Input, useSession bool) (*container.Output, error) {
	if useSession {
		in.SessionID = o.sessions.Get(g.Folder)
	}
	in.GroupFolder = g.Folder
	out, err := o.runner.Run(ctx, g, in, func(p container.Process) error {
		return o.queue.RegisterProcess(laneJID, p, p.Name())
	})
	if useSession && out != nil && out.NewSessionID != "" {
		if serr := o.sessions.Set(g.Folder, out.NewSessionID); serr != nil {
			slog.Warn("Failed to save session", "group", g.Name, "error", serr)
		}
	}
	if err == nil && (out == nil || out.Result == nil) {
		out = &container.Output{Status: "success", Result: &container.Result{OutputType: container.OutputLog}}
	}
	return out, err
}

// deliver sends the user-visible part of an agent result. Send failures are
// logged and dropped: the batch is already handled.
func (o *Orchestrator) deliver(ctx context.Context, g store.RegisteredGroup, jid string, out *container.Output) {
	if out.Result.InternalLog != "" {
		slog.Info("Agent log", "group", g.Name, "log", out.Result.InternalLog)
	}
	if out.Result.OutputType != container.OutputMessage {
		return
	}
	text := FormatOutbound(o.cfg.AssistantName, out.Result.UserMessage)
	if text == "" {
		return
	}
	if err := o.out.SendMessage(ctx, jid, text); err != nil {
		slog.Error("Failed to send agent reply", "group", g.Name, "chat", jid, "error", err)
	}
}

func (o *Orchestrator) drainMailbox(ctx context.Context, folder string) {
	o.mu.RLock()
	m := o.mailbox
	o.mu.RUnlock()
	if m == nil {
		return
	}
	if n := m.ProcessGroup(ctx, folder); n > 0 {
		slog.Debug("Drained mailbox after run", "folder", folder, "requests", n)
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Run recovers pending work and then runs ingest, metadata sync and the poll
// loop until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Recover(); err != nil {
		slog.Warn("Recovery failed", "error", err)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.runIngest(ctx) })
	g.Go(func() error { return o.runMetadataIngest(ctx) })
	g.Go(func() error { return o.runMetadataSync(ctx) })
	g.Go(func() error { return o.runPoll(ctx) })
	return g.Wait()
}
