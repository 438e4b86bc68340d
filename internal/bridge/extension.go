package bridge

import (
	_ "embed"
	"strconv"
	"strings"

	"github.com/GriffinCanCode/userscript-bridge/internal/content"
)

// DefaultChannel is the message handler name the client posts to.
const DefaultChannel = "jsbridge"

//go:embed scripts/jsbridge.js
var clientScript string

//go:embed scripts/gm_api.js
var shimScript string

// ClientScript returns the bridge client posting to channel.
func ClientScript(channel string) string {
	return strings.ReplaceAll(clientScript, "__CHANNEL__", strconv.Quote(channel))
}

// ShimScript returns the GM_xmlhttpRequest capability shim.
func ShimScript() string {
	return shimScript
}

// Extension installs the bridge client, the capability shim and the channel
// handler into a content view.
type Extension struct {
	dispatcher *Dispatcher
	channel    string
}

// NewExtension binds dispatcher to channel.
func NewExtension(dispatcher *Dispatcher, channel string) *Extension {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Extension{dispatcher: dispatcher, channel: channel}
}

// UserScripts returns the document-start scripts.
func (e *Extension) UserScripts() []content.UserScript {
	return []content.UserScript{
		{Name: "jsbridge.js", Source: ClientScript(e.channel), InjectionTime: content.AtDocumentStart},
		{Name: "gm_api.js", Source: ShimScript(), InjectionTime: content.AtDocumentStart},
	}
}

// MessageHandlers routes the channel to the dispatcher.
func (e *Extension) MessageHandlers() map[string]content.MessageHandler {
	return map[string]content.MessageHandler{
		e.channel: func(v *content.View, body []byte) {
			e.dispatcher.HandleMessage(NewViewChannel(v), body)
		},
	}
}
