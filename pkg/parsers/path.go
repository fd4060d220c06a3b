package parsers

import (
	"path"
	"path/filepath"
	"strings"
)

// Path is the structural summary of a filesystem path string.
type Path struct {
	Valid         bool     `json:"valid"`
	Normalized    string   `json:"normalized"`
	Absolute      bool     `json:"absolute"`
	Segments      []string `json:"segments"`
	Traversal     bool     `json:"traversal"`
	SymlinkEscape bool     `json:"symlink_escape"`
}

// ParsePath normalises a path with slash semantics and flags traversal:
// Traversal is true when the cleaned relative path still begins with
// "..", i.e. it escapes its base after join. Symlink resolution is a
// filesystem question answered by SymlinkEscapes, never here;
// SymlinkEscape stays false in the purely lexical summary.
func ParsePath(input string) Path {
	out := Path{Segments: []string{}}
	if input == "" || strings.ContainsRune(input, '\x00') {
		return out
	}
	out.Valid = true

	// Windows-style separators are normalised so ..\..\ tricks are seen.
	cleaned := path.Clean(strings.ReplaceAll(input, "\\", "/"))
	out.Normalized = cleaned
	out.Absolute = strings.HasPrefix(cleaned, "/")

	trimmed := strings.TrimPrefix(cleaned, "/")
	if trimmed != "" && trimmed != "." {
		out.Segments = strings.Split(trimmed, "/")
	}
	out.Traversal = cleaned == ".." || strings.HasPrefix(cleaned, "../")
	return out
}

// EscapesRoot reports whether joining rel onto root and cleaning the
// result leaves the root. Both arguments use slash semantics.
func EscapesRoot(root, rel string) bool {
	joined := path.Clean(path.Join(root, rel))
	root = path.Clean(root)
	if joined == root {
		return false
	}
	return !strings.HasPrefix(joined, root+"/")
}

// SymlinkEscapes reports whether rel, joined onto root, resolves through
// symlinks to a location outside root. Components that do not exist yet
// resolve against their nearest existing ancestor. A root that cannot be
// resolved disables the check.
func SymlinkEscapes(root, rel string) bool {
	rootReal, err := filepath.EvalSymlinks(filepath.FromSlash(root))
	if err != nil {
		return false
	}
	cur := filepath.Join(rootReal, filepath.FromSlash(rel))
	tail := ""
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			final := filepath.Join(resolved, tail)
			return final != rootReal && !strings.HasPrefix(final, rootReal+string(filepath.Separator))
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return false
		}
		tail = filepath.Join(filepath.Base(cur), tail)
		cur = parent
	}
}
