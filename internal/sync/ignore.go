package sync

import (
	gitignore "github.com/sabhiram/go-gitignore"
)

// TempSuffix marks in-progress transfer artifacts. Files carrying it are
// never treated as tree content: a crash can leave one behind and a later
// scan must not try to sync it.
const TempSuffix = ".part"

var defaultIgnoreLines = []string{
	"*" + TempSuffix,

	// OS litter
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
	"$RECYCLE.BIN/",
	"System Volume Information/",

	// Editor leftovers
	"*.swp",
	"*.swo",
	"*~",
}

// IgnoreList decides which relative paths a scan should skip.
type IgnoreList struct {
	ignore *gitignore.GitIgnore
}

// NewIgnoreList compiles the default ignore rules plus any extra
// gitignore-style lines from user settings.
func NewIgnoreList(extraLines ...string) *IgnoreList {
	lines := append([]string{}, defaultIgnoreLines...)
	lines = append(lines, extraLines...)
	return &IgnoreList{ignore: gitignore.CompileIgnoreLines(lines...)}
}

func (l *IgnoreList) ShouldIgnore(relPath string) bool {
	return l.ignore.MatchesPath(relPath)
}
