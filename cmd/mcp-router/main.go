// Command mcp-router runs the MCP request router.
package main

import "github.com/mcprouter/mcprouter/cmd/mcp-router/cmd"

func main() {
	cmd.Execute()
}
