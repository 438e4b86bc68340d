package capability

import (
	"context"

	"github.com/GriffinCanCode/userscript-bridge/internal/bridge"
)

// EchoName is the diagnostic capability that replies with its input.
const EchoName = "echo"

// Echo returns a handler replying with the call's data unchanged.
func Echo() bridge.Handler {
	return bridge.HandlerFunc(func(ctx context.Context, call *bridge.Call, reply bridge.Reply) error {
		reply(call.Data)
		return nil
	})
}
