package roster

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/emersion/go-vcard"
)

// Chat channel extension property carried in roster vCards. Standard
// vCard has no field for it, so exports use an X- name.
const fieldChannelID = "X-CHANNEL-ID"

// ImportVCF reads members from a vCard file and upserts them into the
// store, matching existing members by name. Cards without a formatted
// name are skipped. Returns the number of members imported.
func ImportVCF(store *Store, path string, logger *slog.Logger) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open vcf: %w", err)
	}
	defer f.Close()

	return importVCF(store, f, logger)
}

func importVCF(store *Store, r io.Reader, logger *slog.Logger) (int, error) {
	dec := vcard.NewDecoder(r)
	imported := 0

	for {
		card, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return imported, fmt.Errorf("decode vcard: %w", err)
		}

		name := card.PreferredValue(vcard.FieldFormattedName)
		if name == "" {
			logger.Warn("skipping vcard without formatted name")
			continue
		}

		member := &Member{
			Name:      name,
			Email:     card.PreferredValue(vcard.FieldEmail),
			Role:      card.PreferredValue(vcard.FieldRole),
			ChannelID: card.Value(fieldChannelID),
		}

		// Match on name so re-imports update instead of duplicating.
		if existing, err := store.FindByName(name); err == nil {
			member.ID = existing.ID
			if member.Email == "" {
				member.Email = existing.Email
			}
			if member.ChannelID == "" {
				member.ChannelID = existing.ChannelID
			}
			if member.Role == "" {
				member.Role = existing.Role
			}
		}

		if _, err := store.Upsert(member); err != nil {
			return imported, fmt.Errorf("upsert %s: %w", name, err)
		}
		imported++
	}

	return imported, nil
}
