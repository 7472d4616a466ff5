package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

var (
	pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)
	unsafePathChars      = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)
)

// BuildExportPath lays exports out per owner and UTC day:
// exports/<owner>/date=YYYY-MM-DD/<query>-<unix>.parquet.
func BuildExportPath(ownerID, queryID string, at time.Time) (string, error) {
	owner := SanitizePathComponent(ownerID)
	if err := validatePathComponent(owner, "owner id"); err != nil {
		return "", err
	}
	if err := validatePathComponent(queryID, "query id"); err != nil {
		return "", err
	}

	ts := at.UTC()
	return path.Join(
		"exports",
		owner,
		fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()),
		fmt.Sprintf("%s-%d.parquet", queryID, ts.Unix()),
	), nil
}

// SanitizePathComponent maps free-form identifiers such as e-mail subjects
// onto the safe key alphabet.
func SanitizePathComponent(value string) string {
	value = unsafePathChars.ReplaceAllString(strings.TrimSpace(value), "_")
	value = strings.TrimLeft(value, "._-")
	if len(value) > 128 {
		value = value[:128]
	}
	return value
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
