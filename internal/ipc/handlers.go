package ipc

import (
	"github.com/deskthing/deskthingd/internal/registry"
)

// Deps are the collaborators shared by the handlers. Stores are resolved through the registry on every
// request so a store is only created when an operation needs it
type Deps struct {
	Registry  *registry.Registry
	Shutdown  func()
	PluginDir string
}

// NewHandlers returns the handlers of every kind
func NewHandlers(d Deps) map[Kind]Handlers {
	return map[Kind]Handlers{
		KindUtility:      utilityHandlers(d),
		KindUpdate:       updateHandlers(d),
		KindRelease:      releaseHandlers(d),
		KindFlash:        flashHandlers(d),
		KindNotification: notificationHandlers(d),
		KindStats:        statsHandlers(d),
		KindPlugin:       pluginHandlers(d),
		KindTask:         taskHandlers(d),
	}
}

// New builds the dispatcher serving every declared operation
func New(d Deps) (*Dispatcher, error) {
	return NewDispatcher(Operations, NewHandlers(d))
}
