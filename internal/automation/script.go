//go:build !no_automation

package automation

import "errors"

var (
	ErrScriptNotFound = errors.New("script not found")
	ErrInvalidScript  = errors.New("invalid script")
)

// ScriptMeta holds user-editable metadata for a script.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is a single automation script stored on disk as <id>.lua with a
// JSON metadata comment on its first line.
type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}
