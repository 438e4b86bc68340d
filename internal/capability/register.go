package capability

import (
	"fmt"

	"github.com/GriffinCanCode/userscript-bridge/internal/bridge"
)

// Registrar is satisfied by bridge.Registry and bridge.Bridge.
type Registrar interface {
	Register(name string, handler bridge.Handler, keepAlive bool) error
}

// RegisterDefaults installs echo and, when xhr is non-nil, the network
// capability.
func RegisterDefaults(r Registrar, xhr *XHR) error {
	if err := r.Register(EchoName, Echo(), false); err != nil {
		return fmt.Errorf("failed to register %s: %w", EchoName, err)
	}
	if xhr == nil {
		return nil
	}
	if err := r.Register(XHRName, xhr.Handler(), true); err != nil {
		return fmt.Errorf("failed to register %s: %w", XHRName, err)
	}
	return nil
}
