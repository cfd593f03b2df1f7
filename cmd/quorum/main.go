package main

import (
	"os"

	"github.com/joho/godotenv"
)

func main() {
	// A missing .env is fine; agent commands often need API keys from it.
	_ = godotenv.Load()
	if err := Execute(); err != nil {
		fatal(err)
		os.Exit(1)
	}
}
