package handlers

import (
	"context"
	"strings"

	"github.com/xiaot623/gogo/turnrouter/internal/domain"
)

// MessagePlaceholder is replaced by the raw user message.
const MessagePlaceholder = "{{message}}"

// Static answers with a fixed template.
func Static(template string) HandlerFunc {
	return func(_ context.Context, args map[string]any, raw string) (domain.HandlerResult, error) {
		return domain.HandlerResult{
			Text:     strings.ReplaceAll(template, MessagePlaceholder, raw),
			Metadata: map[string]any{"arguments": args},
		}, nil
	}
}

// TemplateDefaults returns a DefaultArgsFunc that copies defaults and
// substitutes the placeholder in string values.
func TemplateDefaults(defaults map[string]any) DefaultArgsFunc {
	if len(defaults) == 0 {
		return nil
	}
	return func(raw string) map[string]any {
		out := make(map[string]any, len(defaults))
		for k, v := range defaults {
			if s, ok := v.(string); ok {
				v = strings.ReplaceAll(s, MessagePlaceholder, raw)
			}
			out[k] = v
		}
		return out
	}
}
