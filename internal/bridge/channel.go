package bridge

import (
	"github.com/GriffinCanCode/userscript-bridge/internal/content"
)

// Channel carries encoded ResponseEnvelopes back to one content context.
type Channel interface {
	Deliver(payload []byte) error
}

// ChannelFunc adapts a function to Channel.
type ChannelFunc func(payload []byte) error

func (f ChannelFunc) Deliver(payload []byte) error {
	return f(payload)
}

// ViewChannel delivers responses by evaluating the bridge client's message
// handler inside a content view. It is bound to the page that was loaded
// when the channel was created; responses arriving after a reload are
// discarded.
type ViewChannel struct {
	view       *content.View
	generation uint64
}

// NewViewChannel creates a channel bound to the page view currently holds.
func NewViewChannel(view *content.View) *ViewChannel {
	return &ViewChannel{view: view, generation: view.Generation()}
}

// Deliver schedules JSBridge._handleMessage(payload) on the view's loop.
func (c *ViewChannel) Deliver(payload []byte) error {
	return c.view.EvaluateIn(c.generation, HandleMessageScript(payload))
}

// HandleMessageScript wraps an encoded response in a call to the client.
func HandleMessageScript(payload []byte) string {
	return "JSBridge._handleMessage(" + string(payload) + ")"
}
