package roster

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/darcyhq/stella/internal/tools"
)

// RegisterTools adds roster tools to the registry. list_members is a
// lookup-style tool: its result maps member IDs to names so later
// confirmations can show names instead of raw IDs.
func RegisterTools(registry *tools.Registry, store *Store) {
	registry.Register(&tools.Tool{
		Name:        "list_members",
		Description: "List the people on the roster. Returns each member's id, name, email and role.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		CachesAs: "member",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			members, err := store.ListAll()
			if err != nil {
				return "", fmt.Errorf("list members: %w", err)
			}
			out := make(map[string]map[string]string, len(members))
			for _, m := range members {
				out[m.ID.String()] = map[string]string{
					"name":  m.Name,
					"email": m.Email,
					"role":  m.Role,
				}
			}
			b, err := json.Marshal(out)
			if err != nil {
				return "", fmt.Errorf("marshal members: %w", err)
			}
			return string(b), nil
		},
	})
}
