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
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/layoutbench/services/layoutbench/config"
	"github.com/AleutianAI/layoutbench/services/layoutbench/results"
	"github.com/AleutianAI/layoutbench/services/layoutbench/store"
)

func openStore(cmd *cobra.Command) (store.Store, error) {
	return store.Open(cmd.Context(), state.cfg.Store, state.log())
}

func runRunsList(cmd *cobra.Command, args []string) error {
	s, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	names, err := s.List(cmd.Context())
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if len(names) == 0 {
		fmt.Fprintln(w, "no stored runs")
		return nil
	}
	for _, n := range names {
		fmt.Fprintln(w, n)
	}
	return nil
}

func runRunsGet(cmd *cobra.Command, args []string) error {
	s, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	run, err := s.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if len(args) == 2 {
		return results.SaveFile(args[1], run)
	}
	return results.Encode(cmd.OutOrStdout(), run)
}

func runRunsPut(cmd *cobra.Command, args []string) error {
	run, err := results.LoadFile(args[1])
	if err != nil {
		return err
	}
	s, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Put(cmd.Context(), args[0], run); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "stored %s (%d records)\n", args[0], len(run.Entries))
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	load, closeStore := runLoader(cmd.Context(), state.cfg, state.log(), args[0])
	defer closeStore()

	run, err := load(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return export(cmd.OutOrStdout(), run, exportFormat)
}

func export(w io.Writer, run *results.Run, format string) error {
	switch format {
	case "benchfmt":
		return results.WriteBenchfmt(w, run)
	case "json":
		return results.Encode(w, run)
	default:
		return fmt.Errorf("unknown export format %q (want benchfmt or json)", format)
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	path := config.DefaultPath
	if len(args) == 1 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := config.WriteDefault(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	return nil
}
