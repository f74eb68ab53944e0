// Package migrations exposes the embedded provider_links and oauth_states
// schema per SQL dialect so a go-persistence-bun client can register it.
package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"

	calendarlinks "github.com/goliatone/go-calendar-links"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

const (
	defaultSourceLabel = "go-calendar-links"
	migrationsDir      = "data/sql/migrations"
)

// dialectLayouts maps each dialect to its directory relative to the
// migrations root. Postgres files sit at the root.
var dialectLayouts = []struct {
	dialect string
	subdir  string
}{
	{dialect: DialectPostgres, subdir: "."},
	{dialect: DialectSQLite, subdir: "sqlite"},
}

type FilesystemSpec struct {
	Dialect string
	Path    string
	FS      fs.FS
}

// Registration records what Register handed to the persistence client.
type Registration struct {
	SourceLabel       string
	ValidationTargets []string
	Filesystems       []FilesystemSpec
}

type RegisterFunc func(ctx context.Context, dialect string, sourceLabel string, fsys fs.FS) error

type Option func(*Registration)

func WithDialectSourceLabel(label string) Option {
	return func(r *Registration) {
		if label = strings.TrimSpace(label); label != "" {
			r.SourceLabel = label
		}
	}
}

// WithValidationTargets limits registration to the named dialects.
func WithValidationTargets(targets ...string) Option {
	return func(r *Registration) {
		if normalized := normalizeDialects(targets); len(normalized) > 0 {
			r.ValidationTargets = normalized
		}
	}
}

// WithFilesystems replaces the embedded filesystems. Entries without a
// dialect or FS are ignored.
func WithFilesystems(filesystems ...FilesystemSpec) Option {
	return func(r *Registration) {
		var kept []FilesystemSpec
		for _, spec := range filesystems {
			spec.Dialect = strings.ToLower(strings.TrimSpace(spec.Dialect))
			if spec.Dialect == "" || spec.FS == nil {
				continue
			}
			kept = append(kept, spec)
		}
		if len(kept) > 0 {
			r.Filesystems = kept
		}
	}
}

// Filesystems resolves one filesystem per dialect from the embedded
// migrations, or from the first non-nil source when given. Each must hold
// at least one *.up.sql file.
func Filesystems(sources ...fs.FS) ([]FilesystemSpec, error) {
	root := calendarlinks.GetMigrationsFS()
	for _, source := range sources {
		if source != nil {
			root = source
			break
		}
	}

	base, basePath, err := locateMigrations(root)
	if err != nil {
		return nil, err
	}

	out := make([]FilesystemSpec, 0, len(dialectLayouts))
	for _, layout := range dialectLayouts {
		spec := FilesystemSpec{Dialect: layout.dialect, Path: path.Join(basePath, layout.subdir), FS: base}
		if layout.subdir != "." {
			if spec.FS, err = fs.Sub(base, layout.subdir); err != nil {
				return nil, fmt.Errorf("migrations: resolve %s filesystem: %w", layout.dialect, err)
			}
		}
		ups, err := fs.Glob(spec.FS, "*.up.sql")
		if err != nil {
			return nil, fmt.Errorf("migrations: glob %s %s: %w", spec.Dialect, spec.Path, err)
		}
		if len(ups) == 0 {
			return nil, fmt.Errorf("migrations: %s filesystem %q has no *.up.sql files", spec.Dialect, spec.Path)
		}
		out = append(out, spec)
	}
	return out, nil
}

// Register calls fn once per filesystem whose dialect is a validation
// target, in filesystem order.
func Register(ctx context.Context, fn RegisterFunc, opts ...Option) (Registration, error) {
	reg := Registration{
		SourceLabel:       defaultSourceLabel,
		ValidationTargets: []string{DialectPostgres, DialectSQLite},
	}
	embedded, err := Filesystems()
	if err != nil {
		return reg, err
	}
	reg.Filesystems = embedded
	for _, opt := range opts {
		if opt != nil {
			opt(&reg)
		}
	}

	switch {
	case fn == nil:
		return reg, fmt.Errorf("migrations: register function is required")
	case len(reg.ValidationTargets) == 0:
		return reg, fmt.Errorf("migrations: validation targets are required")
	case len(reg.Filesystems) == 0:
		return reg, fmt.Errorf("migrations: filesystems are required")
	}

	for _, spec := range reg.Filesystems {
		if !slices.Contains(reg.ValidationTargets, spec.Dialect) {
			continue
		}
		if err := fn(ctx, spec.Dialect, reg.SourceLabel, spec.FS); err != nil {
			return reg, fmt.Errorf("migrations: register %s (%s): %w", spec.Dialect, spec.Path, err)
		}
	}
	return reg, nil
}

// locateMigrations accepts either a tree containing data/sql/migrations or
// a directory of .sql files.
func locateMigrations(root fs.FS) (fs.FS, string, error) {
	if sub, err := fs.Sub(root, migrationsDir); err == nil {
		if _, statErr := fs.Stat(sub, "."); statErr == nil {
			return sub, migrationsDir, nil
		}
	}
	if sqlFiles, _ := fs.Glob(root, "*.sql"); len(sqlFiles) > 0 {
		return root, ".", nil
	}
	return nil, "", fmt.Errorf("migrations: %s not found", migrationsDir)
}

func normalizeDialects(values []string) []string {
	var out []string
	for _, value := range values {
		value = strings.ToLower(strings.TrimSpace(value))
		if value != "" && !slices.Contains(out, value) {
			out = append(out, value)
		}
	}
	return out
}
