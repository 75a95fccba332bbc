// Command engine is the reference standalone binary for the streaming
// engine. It replaces the teacher's cmd/server (internal/session +
// internal/dash + internal/key wired behind a playlist-serving HTTP API)
// with internal/engine wired behind internal/api's debug/observability
// surface. CLI parsing follows tvarr's cmd/tvarr layout: a thin main.go
// delegating to a cmd package built on cobra/viper.
package main

import (
	"os"

	"github.com/ericcug/streamengine/cmd/engine/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
