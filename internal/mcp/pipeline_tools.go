package mcp

import (
	"context"
	"fmt"

	"hoverreply/internal/app"
	"hoverreply/internal/dom"
	"hoverreply/internal/extract"
	"hoverreply/internal/filter"
	"hoverreply/internal/generate"
	"hoverreply/internal/settings"
)

type ExtractHTMLTool struct {
	selfNames []string
}

func (t *ExtractHTMLTool) Name() string { return "extract-html" }
func (t *ExtractHTMLTool) Description() string {
	return `Run the message extractor over a saved chat element (outerHTML).

Useful for checking selector coverage offline: returns the message record the
assistant would build, whether it counts as a bot message, and the fallback
content used when the primary strategies find nothing.`
}
func (t *ExtractHTMLTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"html": map[string]interface{}{
				"type":        "string",
				"description": "outerHTML of one message element",
			},
		},
		"required": []string{"html"},
	}
}
func (t *ExtractHTMLTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	html := getStringArg(args, "html")
	if html == "" {
		return nil, fmt.Errorf("html is required")
	}
	node, err := dom.Parse(html)
	if err != nil {
		return nil, err
	}
	msg, err := extract.New().Extract(node, "")
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"message":  msg,
		"is_bot":   extract.IsBotMessage(msg, t.selfNames...),
		"fallback": extract.FallbackContent(node),
	}, nil
}

type CheckContentTool struct{}

func (t *CheckContentTool) Name() string { return "check-content" }
func (t *CheckContentTool) Description() string {
	return `Check a candidate reply the way the generator does: trim, strip one layer of wrapping quotes, then apply the content filter.

Returns the cleaned text and the verdict with the first failed check.`
}
func (t *CheckContentTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"text": map[string]interface{}{
				"type":        "string",
				"description": "Candidate reply",
			},
		},
		"required": []string{"text"},
	}
}
func (t *CheckContentTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	if _, ok := args["text"]; !ok {
		return nil, fmt.Errorf("text is required")
	}
	cleaned := generate.CleanCandidate(getStringArg(args, "text"))
	return map[string]interface{}{
		"cleaned": cleaned,
		"verdict": filter.Check(cleaned),
	}, nil
}

type TestConnectionTool struct {
	app *app.App
}

func (t *TestConnectionTool) Name() string { return "test-connection" }
func (t *TestConnectionTool) Description() string {
	return `Send a testConnection request through the relay with the stored API key.`
}
func (t *TestConnectionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *TestConnectionTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	return t.app.TestConnection(ctx)
}

type GetSettingsTool struct {
	app *app.App
}

func (t *GetSettingsTool) Name() string { return "get-settings" }
func (t *GetSettingsTool) Description() string {
	return `Read the persisted settings. The API key is masked.`
}
func (t *GetSettingsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *GetSettingsTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	cfg, err := t.app.Settings().Load()
	if err != nil {
		return nil, err
	}
	return settingsView(cfg), nil
}

type UpdateSettingsTool struct {
	app *app.App
}

func (t *UpdateSettingsTool) Name() string { return "update-settings" }
func (t *UpdateSettingsTool) Description() string {
	return `Change persisted settings. Only the fields given are written.

Turning bot_enabled on starts monitoring on every open chat; turning it off
stops monitoring and unmarks every element.`
}
func (t *UpdateSettingsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"api_key": map[string]interface{}{
				"type":        "string",
				"description": "Fireworks API key",
			},
			"bot_enabled": map[string]interface{}{
				"type":        "boolean",
				"description": "Enable or disable the assistant",
			},
			"reply_prompt": map[string]interface{}{
				"type":        "string",
				"description": "Reply prompt template",
			},
		},
	}
}
func (t *UpdateSettingsTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	apiKey, hasKey := args["api_key"]
	prompt, hasPrompt := args["reply_prompt"]
	enabled, hasEnabled := getOptionalBoolArg(args, "bot_enabled")
	if !hasKey && !hasPrompt && !hasEnabled {
		return nil, fmt.Errorf("nothing to update")
	}

	cfg, err := t.app.Settings().Update(func(c *settings.Config) {
		if hasKey {
			c.APIKey = argString(apiKey)
		}
		if hasPrompt {
			c.ReplyPrompt = argString(prompt)
		}
		if hasEnabled {
			c.BotEnabled = enabled
		}
	})
	if err != nil {
		return nil, err
	}
	return settingsView(cfg), nil
}

func settingsView(cfg settings.Config) map[string]interface{} {
	return map[string]interface{}{
		"api_key":      maskKey(cfg.APIKey),
		"bot_enabled":  cfg.BotEnabled,
		"reply_prompt": cfg.ReplyPrompt,
		"ready":        cfg.Ready(),
	}
}
