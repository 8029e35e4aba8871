package main

import (
	"context"
	"os"

	"github.com/charmbracelet/fang/v2"
)

func main() {
	ctx := context.Background()

	if err := fang.Execute(ctx, rootCmd); err != nil {
		os.Exit(1)
	}
}
