// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/layoutbench/services/layoutbench/regression"
)

// Exit codes.
const (
	exitOK         = 0
	exitError      = 1
	exitRegression = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	os.Exit(exitCode(err))
}

// exitCode reports err and maps it to a process exit code. A failed
// regression gate exits 2 so CI can tell it apart from a broken run.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	_ = state.close()
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	if errors.Is(err, regression.ErrGateFailed) {
		return exitRegression
	}
	return exitError
}
