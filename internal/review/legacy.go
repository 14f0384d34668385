package review

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"forge/api/internal/proposal"
	"forge/api/internal/store"
	"forge/api/internal/util"

	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

const legacyFileVersion = 1

type legacyDocument struct {
	Version   int              `json:"version"`
	Proposals []map[string]any `json:"proposals"`
}

// LoadLegacyFile reads the file-based proposal store. A missing file holds no
// proposals. Malformed JSON is run through a repair pass before giving up.
func LoadLegacyFile(fsys afero.Fs, path string) ([]map[string]any, error) {
	raw, err := afero.ReadFile(fsys, path)
	if errors.Is(err, fs.ErrNotExist) {
		return []map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read legacy proposals: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return []map[string]any{}, nil
	}

	doc, err := decodeLegacy(raw)
	if err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(string(raw))
		if repairErr != nil {
			return nil, fmt.Errorf("decode legacy proposals: %w", err)
		}
		doc, err = decodeLegacy([]byte(repaired))
		if err != nil {
			return nil, fmt.Errorf("decode repaired legacy proposals: %w", err)
		}
		log.Warn().Str("path", path).Msg("legacy proposal file was malformed and has been repaired in memory")
	}

	if doc.Version != legacyFileVersion {
		return nil, fmt.Errorf("unsupported legacy proposal file version %d", doc.Version)
	}
	out := make([]map[string]any, 0, len(doc.Proposals))
	for _, entry := range doc.Proposals {
		if entry != nil {
			out = append(out, entry)
		}
	}
	return out, nil
}

func decodeLegacy(raw []byte) (legacyDocument, error) {
	var doc legacyDocument
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return legacyDocument{}, err
	}
	return doc, nil
}

// ImportResult counts what an import did. Records that collide with another
// proposal's id or approval token are skipped and listed in Conflicts.
type ImportResult struct {
	Imported  int      `json:"imported"`
	Updated   int      `json:"updated"`
	Skipped   int      `json:"skipped"`
	Conflicts []string `json:"conflicts,omitempty"`
}

func (res *ImportResult) conflict(id string, err error) {
	log.Warn().Err(err).Str("proposal_id", id).Msg("legacy proposal conflicts, skipped")
	res.Skipped++
	res.Conflicts = append(res.Conflicts, id)
}

// ImportLegacy creates absent proposals, updates ones whose status or diff
// differ, and skips identical ones. Entries without an id get one derived
// from their content so a repeated import stays idempotent.
func (r *Repository) ImportLegacy(ctx context.Context, records []map[string]any) (ImportResult, error) {
	var result ImportResult
	if err := r.ensure(ctx); err != nil {
		return result, err
	}

	for _, raw := range records {
		p := proposal.FromUntrusted(withLegacyID(raw), r.now())

		existing, found, err := r.lookup(ctx, "find by id", p.ID, r.backend.GetProposal)
		if err != nil {
			return result, err
		}

		switch {
		case !found:
			if err := r.backend.InsertProposal(ctx, p); err != nil {
				if errors.Is(err, store.ErrConflict) {
					result.conflict(p.ID, err)
					continue
				}
				return result, r.fail("import insert", err)
			}
			r.index(ctx, p)
			result.Imported++
		case existing.Status != p.Status || existing.Diff != p.Diff:
			p.CreatedAt = existing.CreatedAt
			if err := r.backend.UpdateProposal(ctx, p); err != nil {
				if errors.Is(err, store.ErrConflict) {
					result.conflict(p.ID, err)
					continue
				}
				return result, r.fail("import update", err)
			}
			r.index(ctx, p)
			result.Updated++
		default:
			result.Skipped++
		}
	}

	log.Info().
		Int("imported", result.Imported).
		Int("updated", result.Updated).
		Int("skipped", result.Skipped).
		Int("conflicts", len(result.Conflicts)).
		Msg("legacy proposals imported")
	return result, nil
}

func withLegacyID(raw map[string]any) map[string]any {
	for _, key := range []string{"id", "proposalId"} {
		if value, ok := raw[key]; ok && value != nil && strings.TrimSpace(fmt.Sprint(value)) != "" {
			return raw
		}
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return raw
	}
	out := make(map[string]any, len(raw)+1)
	for k, v := range raw {
		out[k] = v
	}
	out["id"] = "legacy_" + util.ShortHash(util.HashHex(string(encoded)), 24)
	return out
}
