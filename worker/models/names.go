package models

import (
	"path"
	"strings"
)

const folderPreviewLimit = 3

// SplitUploadName separates the relative folder from the base name of an
// uploaded file. Windows separators are normalised first.
func SplitUploadName(name string) (folder, base string) {
	normalized := strings.ReplaceAll(name, `\`, "/")
	idx := strings.LastIndex(normalized, "/")
	if idx < 0 {
		return "", normalized
	}
	return normalized[:idx], normalized[idx+1:]
}

// FolderLabel builds the cosmetic folder label of a queue from the folders of
// its tasks.
func FolderLabel(folders []string) string {
	seen := make(map[string]struct{}, len(folders))
	unique := make([]string, 0, len(folders))
	for _, f := range folders {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		unique = append(unique, f)
	}

	switch {
	case len(unique) == 0:
		return ""
	case len(unique) == 1:
		return unique[0]
	case len(unique) > folderPreviewLimit:
		return strings.Join(unique[:folderPreviewLimit], ", ") + " ..."
	default:
		return strings.Join(unique, ", ")
	}
}

// RefFilename returns the last path segment of an artifact reference.
func RefFilename(ref string) string {
	trimmed := strings.TrimRight(ref, "/")
	if trimmed == "" {
		return ""
	}
	return path.Base(trimmed)
}
