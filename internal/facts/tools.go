package facts

import (
	"context"
	"fmt"
	"strings"

	"github.com/darcyhq/stella/internal/tools"
)

// RegisterTools adds fact tools bound to one member. Sessions always
// belong to a known member, so the model never supplies member IDs.
func RegisterTools(registry *tools.Registry, store *Store, memberID string) {
	registry.Register(&tools.Tool{
		Name:        "record_fact",
		Description: "Remember something about this person for future conversations. Use a short snake_case key so the fact can be updated later.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"category": map[string]any{
					"type":        "string",
					"enum":        []string{string(CategoryPersonal), string(CategoryWork), string(CategoryPreference), string(CategoryBlocker)},
					"description": "What kind of fact this is.",
				},
				"key": map[string]any{
					"type":        "string",
					"description": "Short identifier, e.g. 'preferred_standup_time'.",
				},
				"value": map[string]any{
					"type":        "string",
					"description": "The fact itself.",
				},
			},
			"required": []string{"category", "key", "value"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			key := tools.StringArg(args, "key")
			value := tools.StringArg(args, "value")
			if key == "" || value == "" {
				return "", fmt.Errorf("record_fact: key and value are required")
			}
			category := Category(tools.StringArg(args, "category"))
			if category == "" {
				category = CategoryWork
			}
			source := tools.SessionIDFromContext(ctx)

			if _, err := store.Set(memberID, category, key, value, source); err != nil {
				return "", fmt.Errorf("record fact: %w", err)
			}
			return fmt.Sprintf("remembered %s/%s", category, key), nil
		},
	})

	registry.Register(&tools.Tool{
		Name:        "recall_facts",
		Description: "List everything remembered about this person from earlier conversations.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			found, err := store.GetForMember(memberID)
			if err != nil {
				return "", fmt.Errorf("recall facts: %w", err)
			}
			return formatFacts(found), nil
		},
	})

	registry.Register(&tools.Tool{
		Name:        "search_facts",
		Description: "Search remembered facts about this person.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Text to look for in fact keys and values.",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			query := tools.StringArg(args, "query")
			if query == "" {
				return "", fmt.Errorf("search_facts: query is required")
			}
			found, err := store.Search(memberID, query)
			if err != nil {
				return "", fmt.Errorf("search facts: %w", err)
			}
			return formatFacts(found), nil
		},
	})
}

// formatFacts renders facts as readable lines for the model.
func formatFacts(found []*Fact) string {
	if len(found) == 0 {
		return "No facts recorded."
	}
	var b strings.Builder
	for _, f := range found {
		fmt.Fprintf(&b, "[%s] %s: %s\n", f.Category, f.Key, f.Value)
	}
	return strings.TrimRight(b.String(), "\n")
}
