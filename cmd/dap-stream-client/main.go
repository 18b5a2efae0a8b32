// Command dap-stream-client is a reference client for the
// stream-transport framework: it dials a dap-streamd server over
// whichever transport is configured, opens the requested channels, and
// exercises them from the command line.
package main

import "github.com/dap-stream/dap-stream/cmd/dap-stream-client/cmd"

func main() {
	cmd.Execute()
}
