package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/jo-hoe/pixelsmith/cmd/pixelsmith/cmd"
)

func main() {
	// A .env file is optional; YAML config and the environment take over.
	_ = godotenv.Load()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
