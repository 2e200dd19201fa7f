// gearsim runs the voice assistant device core on a workstation.
//
// The board, audio pipeline and screen are simulated; everything else is the
// real device: activation against the OTA server, the MQTT or WebSocket
// conversation protocol, MCP tools, Keycloak login and the hub connection.
//
// Usage:
//
//	gearsim run                     # Run with the current context
//	gearsim run -c staging          # Run with another context
//	gearsim login                   # Keycloak device login
//	gearsim config context list     # List contexts
//	gearsim config context use dev  # Switch to dev
//
// Configuration is stored in ~/.giztoy/gearsim/
package main

import (
	"os"

	"github.com/haivivi/gearfw/cmd/gearsim/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
