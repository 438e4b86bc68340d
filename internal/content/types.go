package content

import (
	"errors"
	"time"
)

var (
	ErrViewClosed    = errors.New("content view is closed")
	ErrScriptTimeout = errors.New("script execution timeout exceeded")
)

// InjectionTime selects when a user script runs relative to the page source.
type InjectionTime int

const (
	AtDocumentStart InjectionTime = iota
	AtDocumentEnd
)

// UserScript is a script injected into every page the view loads.
type UserScript struct {
	Name          string
	Source        string
	InjectionTime InjectionTime
}

// MessageHandler receives the JSON text of a message posted through
// window.webkit.messageHandlers.<name>.postMessage. It runs on the view's
// loop and must not block.
type MessageHandler func(v *View, body []byte)

// Extension bundles user scripts and named message handlers that are
// installed together.
type Extension interface {
	UserScripts() []UserScript
	MessageHandlers() map[string]MessageHandler
}

// Config defines content view configuration.
type Config struct {
	ScriptTimeout time.Duration // Per-job execution bound
	EnableConsole bool          // Route console.* to the logger
}

// DefaultConfig returns the default view configuration.
func DefaultConfig() Config {
	return Config{
		ScriptTimeout: 5 * time.Second,
		EnableConsole: true,
	}
}
