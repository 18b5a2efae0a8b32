// Command dap-streamd runs the stream-transport server: it accepts
// client connections over any registered carrier (HTTP, WebSocket, UDP)
// and drives each through the handshake/session-create/streaming
// lifecycle described by the packet engine.
package main

import "github.com/dap-stream/dap-stream/cmd/dap-streamd/cmd"

func main() {
	cmd.Execute()
}
