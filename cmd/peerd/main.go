//go:build !test

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/PaulHalonen/truevault-vpn-sub004/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "peerd: %v\n", err)
		os.Exit(1)
	}
}
