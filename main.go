package main

import (
	"github.com/joho/godotenv"

	"transform_worker/cmd"
)

func main() {
	// Load .env if present (local development); environment wins otherwise.
	_ = godotenv.Load()

	cmd.Execute()
}
