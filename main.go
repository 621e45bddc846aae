package main

import (
	"context"
	"os"

	"github.com/ollama/cudartc/cmd"
)

func main() {
	os.Exit(cmd.Execute(context.Background()))
}
