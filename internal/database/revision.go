package database

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	apperrors "gryffen/internal/errors"
)

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Slug turns a revision message into the file name identifier.
func Slug(message string) string {
	s := slugPattern.ReplaceAllString(strings.ToLower(message), "_")
	s = strings.Trim(s, "_")
	if len(s) > 60 {
		s = strings.TrimRight(s[:60], "_")
	}
	if s == "" {
		s = "revision"
	}
	return s
}

// WriteRevision writes the next up/down pair into dir and returns it.
// Empty bodies get a no-op statement because MySQL rejects an empty query.
func WriteRevision(dir, message, up, down string) (Revision, []string, error) {
	revisions, err := ListRevisions(os.DirFS(dir))
	if err != nil {
		return Revision{}, nil, err
	}

	next := uint(1)
	if len(revisions) > 0 {
		next = revisions[len(revisions)-1].Version + 1
	}
	rev := Revision{Version: next, Name: Slug(message), HasDown: true}

	header := fmt.Sprintf("-- %s\n", strings.TrimSpace(message))
	files := map[string]string{
		"up":   header + body(up),
		"down": header + body(down),
	}

	var written []string
	for _, direction := range []string{"up", "down"} {
		path := filepath.Join(dir, fmt.Sprintf("%s_%s.%s.sql", rev.ID(), rev.Name, direction))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err != nil {
			return Revision{}, written, apperrors.NewAppError(apperrors.ErrCodeMigrationFailed, "failed to create revision file", err)
		}
		_, werr := f.WriteString(files[direction])
		cerr := f.Close()
		if werr != nil || cerr != nil {
			return Revision{}, written, apperrors.NewAppError(apperrors.ErrCodeMigrationFailed, "failed to write revision file", firstErr(werr, cerr))
		}
		written = append(written, path)
	}
	return rev, written, nil
}

func body(sql string) string {
	sql = strings.TrimSpace(sql)
	if sql == "" {
		return "DO 0;\n"
	}
	return sql + "\n"
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
