// Package main provides the entry point for the codesearch CLI.
package main

import (
	"fmt"
	"os"

	"github.com/Aman-CERP/codesearch/cmd/codesearch/cmd"
	cserrors "github.com/Aman-CERP/codesearch/internal/errors"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprint(os.Stderr, cserrors.FormatForCLI(err))
		os.Exit(1)
	}
}
