package manifest

import (
	"bytes"
	"strings"

	svcerrors "github.com/congregation-app/backend/internal/errors"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// DeriveID turns a repository path into a manifest id: the .json suffix is
// dropped and path separators removed, so "year1/lesson2.json" is "year1lesson2".
func DeriveID(path string) string {
	return strings.ReplaceAll(strings.TrimSuffix(path, ".json"), "/", "")
}

// CleanPath trims surrounding slashes and whitespace and rejects empty paths
// and any path containing "..".
func CleanPath(path string) (string, error) {
	p := strings.Trim(strings.TrimSpace(path), "/")
	if p == "" {
		return "", svcerrors.Validation("path is required")
	}
	if strings.Contains(p, "..") {
		return "", svcerrors.Validation("path must not contain '..'")
	}
	if strings.Contains(p, "//") || strings.ContainsAny(p, "\\\x00") {
		return "", svcerrors.Validation("path is malformed")
	}
	return p, nil
}

// CleanJSONPath is CleanPath plus a required .json suffix.
func CleanJSONPath(path string) (string, error) {
	p, err := CleanPath(path)
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(p, ".json") {
		return "", svcerrors.Validation("path must end in .json")
	}
	return p, nil
}

// stripBOM drops a leading UTF-8 byte order mark.
func stripBOM(b []byte) []byte {
	return bytes.TrimPrefix(b, utf8BOM)
}
