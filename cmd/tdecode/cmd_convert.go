package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nvandessel/tdecode/internal/config"
	"github.com/nvandessel/tdecode/internal/dataset"
	"github.com/nvandessel/tdecode/internal/pathutil"
	"github.com/spf13/cobra"
)

func newConvertCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "convert <scans> <out.arrow>",
		Short: "Convert a scan table to an Arrow IPC file",
		Long: `Convert reads a scan table (CSV, or Arrow IPC) and writes it as an
Arrow IPC file with one float64 column per voxel. Arrow scans load without
parsing text, which matters for whole-brain tables.

Examples:
  tdecode convert sub-01/scans.csv sub-01/scans.arrow`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			cfgPath, _ := cmd.Flags().GetString("config")

			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			roots := cfg.Output.AllowedDirs
			if len(roots) == 0 {
				roots = pathutil.DefaultOutputRoots()
			}
			out, err := pathutil.ResolveOutput(args[1], roots)
			if err != nil {
				return fmt.Errorf("arrow file: %w", err)
			}

			scans, err := dataset.ReadScans(args[0])
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(out), 0700); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}
			if err := dataset.WriteArrowScans(out, scans); err != nil {
				return err
			}

			rows, cols := scans.Dims()
			w := cmd.OutOrStdout()
			if jsonOut {
				return json.NewEncoder(w).Encode(map[string]interface{}{
					"path":   out,
					"scans":  rows,
					"voxels": cols,
				})
			}
			fmt.Fprintf(w, "Wrote %d scans x %d voxels to %s\n", rows, cols, out)
			return nil
		},
	}
}
