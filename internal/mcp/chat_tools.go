package mcp

import (
	"context"
	"fmt"

	"hoverreply/internal/app"
	"hoverreply/internal/dom"
)

func sessionSchema(extra map[string]interface{}, required ...string) map[string]interface{} {
	props := map[string]interface{}{
		"session_id": map[string]interface{}{
			"type":        "string",
			"description": "Chat session ID (optional when exactly one chat is open)",
		},
	}
	for k, v := range extra {
		props[k] = v
	}
	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

type OpenChatTool struct {
	app *app.App
}

func (t *OpenChatTool) Name() string { return "open-chat" }
func (t *OpenChatTool) Description() string {
	return `Open the chat web app in the controlled browser and start the reply assistant on it.

Launches or connects to Chrome if needed, waits for the message list to render,
then installs the hover hooks. Monitoring starts right away when the bot is
enabled in settings, otherwise as soon as it is enabled.

USE target_id INSTEAD OF url to attach to a chat tab you already have open.
Opening the same URL twice is refused.

Returns: {session: {id, url, monitoring, ...}}`
}
func (t *OpenChatTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Chat URL (defaults to browser.chat_url)",
			},
			"target_id": map[string]interface{}{
				"type":        "string",
				"description": "CDP TargetID of an already open chat tab",
			},
		},
	}
}
func (t *OpenChatTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	var (
		s   *app.Session
		err error
	)
	if targetID := getStringArg(args, "target_id"); targetID != "" {
		s, err = t.app.AttachChat(ctx, targetID)
	} else {
		s, err = t.app.OpenChat(ctx, getStringArg(args, "url"))
	}
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"session": s.Status()}, nil
}

type CloseChatTool struct {
	app *app.App
}

func (t *CloseChatTool) Name() string { return "close-chat" }
func (t *CloseChatTool) Description() string {
	return `Stop the assistant on a chat session and close its tab.

Monitoring is stopped and every element is unmarked before the tab closes.`
}
func (t *CloseChatTool) InputSchema() map[string]interface{} {
	return sessionSchema(nil)
}
func (t *CloseChatTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	s, err := t.app.Session(getStringArg(args, "session_id"))
	if err != nil {
		return nil, err
	}
	if err := t.app.CloseSession(ctx, s.ID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "closed": s.ID}, nil
}

type GetStatusTool struct {
	app *app.App
}

func (t *GetStatusTool) Name() string { return "get-status" }
func (t *GetStatusTool) Description() string {
	return `Report the assistant state: browser connection, open chats, lock state and settings readiness.

WHEN TO USE:
- Before locking, to see which chat sessions exist
- After a lock, to check whether a batch is still generating`
}
func (t *GetStatusTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *GetStatusTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	sessions := t.app.Sessions()
	statuses := make([]app.Status, 0, len(sessions))
	for _, s := range sessions {
		statuses = append(statuses, s.Status())
	}

	result := map[string]interface{}{
		"sessions":   statuses,
		"relay_mode": t.app.Config().Relay.Mode,
	}
	if b := t.app.Browser(); b != nil {
		result["browser_connected"] = b.IsConnected()
		result["control_url"] = b.ControlURL()
	}
	if cfg, err := t.app.Settings().Load(); err == nil {
		result["bot_enabled"] = cfg.BotEnabled
		result["ready"] = cfg.Ready()
	}
	return result, nil
}

type ListMessagesTool struct {
	app *app.App
}

func (t *ListMessagesTool) Name() string { return "list-messages" }
func (t *ListMessagesTool) Description() string {
	return `List the chat elements the assistant has attached to, newest first.

Entries that were locked or regenerated also carry the extracted message ID,
author and content. Use the returned handle with lock-message.`
}
func (t *ListMessagesTool) InputSchema() map[string]interface{} {
	return sessionSchema(map[string]interface{}{
		"limit": map[string]interface{}{
			"type":        "integer",
			"description": "Maximum entries to return (default 50)",
		},
	})
}
func (t *ListMessagesTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	s, err := t.app.Session(getStringArg(args, "session_id"))
	if err != nil {
		return nil, err
	}
	limit := getIntArg(args, "limit", 50)
	entries := s.Messages()
	total := len(entries)
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return map[string]interface{}{
		"session_id": s.ID,
		"total":      total,
		"messages":   entries,
	}, nil
}

type LockMessageTool struct {
	app *app.App
}

func (t *LockMessageTool) Name() string { return "lock-message" }
func (t *LockMessageTool) Description() string {
	return `Lock the assistant onto a chat element and generate reply suggestions for it.

Same as Ctrl+Click on the message. Locking another element moves the lock;
locking the same element again regenerates. Generation runs in the
background; poll get-status or read hoverreply://batch/latest for the result.`
}
func (t *LockMessageTool) InputSchema() map[string]interface{} {
	return sessionSchema(map[string]interface{}{
		"handle": map[string]interface{}{
			"type":        "string",
			"description": "Element handle from list-messages",
		},
	}, "handle")
}
func (t *LockMessageTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	handle := getStringArg(args, "handle")
	if handle == "" {
		return nil, fmt.Errorf("handle is required")
	}
	s, err := t.app.Session(getStringArg(args, "session_id"))
	if err != nil {
		return nil, err
	}
	if err := s.Lock(ctx, dom.Handle(handle)); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "status": s.Status()}, nil
}

type UnlockMessageTool struct {
	app *app.App
}

func (t *UnlockMessageTool) Name() string { return "unlock-message" }
func (t *UnlockMessageTool) Description() string {
	return `Release the lock (same as Ctrl+U). A no-op when nothing is locked.`
}
func (t *UnlockMessageTool) InputSchema() map[string]interface{} {
	return sessionSchema(nil)
}
func (t *UnlockMessageTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	s, err := t.app.Session(getStringArg(args, "session_id"))
	if err != nil {
		return nil, err
	}
	s.Unlock(ctx)
	return map[string]interface{}{"success": true, "status": s.Status()}, nil
}

type RegenerateRepliesTool struct {
	app *app.App
}

func (t *RegenerateRepliesTool) Name() string { return "regenerate-replies" }
func (t *RegenerateRepliesTool) Description() string {
	return `Re-read the locked message and generate a fresh reply batch for it.

Fails when nothing is locked or the locked element left the page. A request
made while a batch is still generating is dropped.`
}
func (t *RegenerateRepliesTool) InputSchema() map[string]interface{} {
	return sessionSchema(nil)
}
func (t *RegenerateRepliesTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	s, err := t.app.Session(getStringArg(args, "session_id"))
	if err != nil {
		return nil, err
	}
	if err := s.Regenerate(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "status": s.Status()}, nil
}

type InsertReplyTool struct {
	app *app.App
}

func (t *InsertReplyTool) Name() string { return "insert-reply" }
func (t *InsertReplyTool) Description() string {
	return `Type a reply into the chat input, without sending it.

Pass text, or index to pick a reply from the latest batch (0-based).`
}
func (t *InsertReplyTool) InputSchema() map[string]interface{} {
	return sessionSchema(map[string]interface{}{
		"text": map[string]interface{}{
			"type":        "string",
			"description": "Reply text to type",
		},
		"index": map[string]interface{}{
			"type":        "integer",
			"description": "Index into the latest batch, used when text is empty",
		},
	})
}
func (t *InsertReplyTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	s, err := t.app.Session(getStringArg(args, "session_id"))
	if err != nil {
		return nil, err
	}
	text := getStringArg(args, "text")
	if text == "" {
		batch, ok := s.LastBatch()
		if !ok {
			return nil, fmt.Errorf("no reply batch yet; pass text")
		}
		i := getIntArg(args, "index", 0)
		if i < 0 || i >= len(batch.Replies) {
			return nil, fmt.Errorf("index %d out of range (batch has %d replies)", i, len(batch.Replies))
		}
		text = batch.Replies[i]
	}
	if err := s.InsertReply(ctx, text); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "text": text}, nil
}
