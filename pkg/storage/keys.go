package storage

import (
	"fmt"
	"path"
	"strings"
	"unicode"

	"retinalab/internal/util"
)

const maxFilenameRunes = 100

// StudyImageKey builds studies/{owner}/{study}/{random}-{filename}.
func StudyImageKey(ownerID, studyID, filename string) string {
	return fmt.Sprintf("studies/%s/%s/%s-%s", ownerID, studyID, util.NewID()[:8], SafeFilename(filename))
}

// SafeFilename keeps letters, digits, dot, dash and underscore. Everything
// else becomes "_". Empty results fall back to "image".
func SafeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	var b strings.Builder
	n := 0
	for _, r := range name {
		if n >= maxFilenameRunes {
			break
		}
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
		n++
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "image"
	}
	return out
}
