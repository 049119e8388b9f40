// Command switchboard-plugin runs the echo plugin host over stdio. Point
// the dispatcher at this binary to see events flow across the plugin
// boundary.
package main

import (
	"log"

	"github.com/mark3labs/mcp-go/server"

	"github.com/switchboard-ai/switchboard/pkg/pluginserver/echo"
)

func main() {
	s := echo.NewServer()
	if err := server.ServeStdio(s); err != nil {
		log.Fatal(err)
	}
}
