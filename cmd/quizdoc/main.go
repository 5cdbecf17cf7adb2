package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/Lllllllleong/quizdocflow/internal/cli"
)

func main() {
	// A missing .env is fine; real environment variables still apply.
	_ = godotenv.Load()

	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
