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
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/focustree/internal/octree"
	"github.com/AleutianAI/focustree/internal/snapshot"
)

func newInspectCmd(gf *globalFlags) *cobra.Command {
	var (
		rank  int
		depth int
	)
	cmd := &cobra.Command{
		Use:   "inspect [run-id]",
		Short: "List stored runs or show one of them",
		Long: `Without arguments inspect lists the stored runs, newest first. With a
run ID it prints the per-rank summary of that run, and with --rank it
draws the octree of one rank.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeAll, err := gf.openStoreForCmd("inspect")
			if err != nil {
				return err
			}
			defer closeAll()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				return listRuns(out, store)
			}
			runID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id %q: %w", args[0], err)
			}
			if cmd.Flags().Changed("rank") {
				snap, err := store.Load(runID, rank)
				if err != nil {
					return err
				}
				fmt.Fprint(out, renderSnapshot(&snap, depth).String())
				return nil
			}
			return showRun(out, store, runID)
		},
	}
	cmd.Flags().IntVarP(&rank, "rank", "r", 0, "draw the tree of this rank")
	cmd.Flags().IntVarP(&depth, "depth", "d", 3, "collapse subtrees below this level, 0 for all")
	return cmd
}

func newDeleteCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a stored run and its snapshots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id %q: %w", args[0], err)
			}
			store, closeAll, err := gf.openStoreForCmd("delete")
			if err != nil {
				return err
			}
			defer closeAll()
			if err := store.DeleteRun(runID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted run %s\n", runID)
			return nil
		},
	}
}

// openStoreForCmd opens the configured snapshot store with a logger. The
// returned function closes both.
func (gf *globalFlags) openStoreForCmd(service string) (*snapshot.Store, func(), error) {
	cfg, err := gf.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg, service)
	if err != nil {
		return nil, nil, err
	}
	store, err := openStore(cfg, logger)
	if err != nil {
		_ = logger.Close()
		return nil, nil, err
	}
	return store, func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing snapshot store failed", "error", err)
		}
		_ = logger.Close()
	}, nil
}

func listRuns(out io.Writer, store *snapshot.Store) error {
	runs, err := store.ListRuns()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "no stored runs")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tCREATED\tRANKS\tPARTICLES\tBUCKET\tTHETA\tBOX")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%g\t%s\n",
			r.ID, r.CreatedAt.Local().Format(time.DateTime), r.NumRanks, r.Particles,
			r.BucketSize, r.Theta, formatBox(r))
	}
	return tw.Flush()
}

func showRun(out io.Writer, store *snapshot.Store, runID uuid.UUID) error {
	info, snaps, err := store.LoadRun(runID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "run %s, %d ranks, %d particles, bucket %d, theta %g, box %s\n\n",
		info.ID, info.NumRanks, info.Particles, info.BucketSize, info.Theta, formatBox(info))

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tLEAVES\tDEPTH\tPARTICLES\tFOCUS\tPEERS")
	for _, s := range snaps {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t[%#x, %#x)\t%v\n",
			s.Rank, s.NumLeaves(), s.Depth, sumCounts(ownCounts(&s)), uint64(s.FocusStart), uint64(s.FocusEnd), s.Peers)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if missing := info.NumRanks - len(snaps); missing > 0 {
		fmt.Fprintf(out, "\n%d ranks did not store a snapshot\n", missing)
	}
	return nil
}

// ownCounts returns the leaf counts of the rank's own range.
func ownCounts(s *snapshot.Snapshot) []uint32 {
	lo := octree.FindNodeAbove(s.Leaves, s.FocusStart)
	hi := octree.FindNodeAbove(s.Leaves, s.FocusEnd)
	return s.Counts[min(lo, len(s.Counts)):min(hi, len(s.Counts))]
}

func formatBox(r snapshot.RunInfo) string {
	return fmt.Sprintf("[%g, %g]^3 %s", r.Box.Min[0], r.Box.Max[0], r.Box.Boundary[0])
}
