package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/mold/v4/modifiers"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/crocodilestick/cwa-core/pkg/errcodes"
	"github.com/crocodilestick/cwa-core/pkg/models"
)

var (
	conform  = modifiers.New()
	validate = validator.New()
)

// UpdateSettingsOptions names which Settings columns a patch touches.
// Only explicitly named columns are written, so partial patches never
// clobber fields the caller didn't intend to change.
type UpdateSettingsOptions struct {
	Columns []string
}

// GetSettings returns the singleton Settings snapshot, creating it with
// library defaults on first access.
func (s *Store) GetSettings(ctx context.Context) (*models.Settings, error) {
	settings := &models.Settings{}

	err := s.db.NewSelect().Model(settings).Where("st.id = ?", models.SettingsID).Scan(ctx)
	if err == nil {
		return settings, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, errors.WithStack(err)
	}

	// No row yet: seed one from defaults.
	settings = &models.Settings{ID: models.SettingsID}
	if err := defaults.Set(settings); err != nil {
		return nil, errors.WithStack(err)
	}
	settings.UpdatedAt = time.Now()

	_, err = s.db.NewInsert().
		Model(settings).
		On("CONFLICT (id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	// Return the row as stored, so the seeding call reports the same
	// values (UpdatedAt at stored precision included) as later calls.
	stored := &models.Settings{}
	if err := s.db.NewSelect().Model(stored).Where("st.id = ?", models.SettingsID).Scan(ctx); err != nil {
		return nil, errors.WithStack(err)
	}
	return stored, nil
}

// UpdateSettings validates and atomically replaces the named columns of
// the singleton Settings row. String-slice fields are conformed
// (each element trimmed via the struct's `mod:"dive,trim"` tags) and
// then deduplicated so a caller-supplied list like
// `[" epub", "epub "]` normalizes to `["epub"]` rather than silently
// producing two distinct entries.
func (s *Store) UpdateSettings(ctx context.Context, patch *models.Settings, opts UpdateSettingsOptions) error {
	if len(opts.Columns) == 0 {
		return nil
	}

	if err := conform.Struct(ctx, patch); err != nil {
		return errors.WithStack(err)
	}
	dedupeFormatSlices(patch)

	if err := validate.Struct(patch); err != nil {
		if ve, ok := err.(validator.ValidationErrors); ok {
			return errcodes.ValidationError(ve.Error())
		}
		return errors.WithStack(err)
	}

	patch.ID = models.SettingsID
	patch.UpdatedAt = time.Now()
	columns := append(append([]string{}, opts.Columns...), "updated_at")

	_, err := s.db.NewUpdate().
		Model(patch).
		Column(columns...).
		WherePK().
		Exec(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errcodes.NotFound("Settings")
		}
		return errors.WithStack(err)
	}

	return nil
}

// dedupeFormatSlices removes duplicate entries (post-trim) from every
// string-slice Settings field, preserving first-seen order. mold's
// `dive,trim` tags only transform each element in place; they have no
// "unique" modifier, so the dedupe half of UpdateSettings's contract
// is applied here as a plain post-conform pass.
func dedupeFormatSlices(patch *models.Settings) {
	patch.AutoConvertIgnoredFormats = dedupeStrings(patch.AutoConvertIgnoredFormats)
	patch.AutoIngestIgnoredFormats = dedupeStrings(patch.AutoIngestIgnoredFormats)
	patch.AutoConvertRetainedFormats = dedupeStrings(patch.AutoConvertRetainedFormats)
	patch.MetadataProviderHierarchy = dedupeStrings(patch.MetadataProviderHierarchy)
}

func dedupeStrings(in []string) []string {
	if len(in) == 0 {
		return in
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
