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
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/focustree/internal/backend"
	"github.com/AleutianAI/focustree/internal/config"
	"github.com/AleutianAI/focustree/internal/focus"
	"github.com/AleutianAI/focustree/internal/globaltree"
	"github.com/AleutianAI/focustree/internal/snapshot"
	"github.com/AleutianAI/focustree/internal/telemetry"
	"github.com/AleutianAI/focustree/internal/transport"
)

func newConvergeCmd(gf *globalFlags) *cobra.Command {
	var (
		ranks     int
		particles int
		save      bool
	)
	cmd := &cobra.Command{
		Use:   "converge",
		Short: "Build and converge focused octrees on every rank",
		Long: `converge generates the configured particle set, builds the global
tree, assigns it to the ranks and converges a focused octree per rank.
With the local transport all ranks run in this process. With the
websocket transport this process runs transport.rank only.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := gf.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("ranks") {
				cfg.Ranks = ranks
			}
			if cmd.Flags().Changed("particles") {
				cfg.Particles = particles
			}
			if cmd.Flags().Changed("save") {
				cfg.Snapshot.Enabled = save
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			_, err = runConverge(ctx, cfg, cmd.OutOrStdout())
			return err
		},
	}
	cmd.Flags().IntVarP(&ranks, "ranks", "n", 0, "override the number of ranks")
	cmd.Flags().IntVarP(&particles, "particles", "p", 0, "override the number of particles")
	cmd.Flags().BoolVar(&save, "save", false, "store the converged trees as a snapshot run")
	cmd.Flags().BoolVar(&gf.inMemory, "in-memory", false, "keep snapshots in memory only")
	return cmd
}

// rankResult summarizes one converged rank.
type rankResult struct {
	Rank          int
	Particles     int
	Leaves        int
	Depth         int
	Peers         []int
	HaloParticles int
	Elapsed       time.Duration
}

// runner holds what the ranks of one run share.
type runner struct {
	cfg    config.Config
	runID  uuid.UUID
	b      backend.Backend
	p      *globaltree.Particles
	store  *snapshot.Store
	logger *slog.Logger
}

// runConverge executes one run and prints a per-rank summary to out.
func runConverge(ctx context.Context, cfg config.Config, out io.Writer) (runID uuid.UUID, err error) {
	logger, err := newLogger(cfg, "converge")
	if err != nil {
		return uuid.Nil, err
	}
	defer logger.Close()

	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceVersion = version
	tcfg.TraceExporter = cfg.Telemetry.TraceExporter
	tcfg.MetricExporter = cfg.Telemetry.MetricExporter
	tcfg.PrometheusPort = cfg.Telemetry.PrometheusPort
	if cfg.Telemetry.OTLPEndpoint != "" {
		tcfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	shutdown, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := shutdown(sctx); serr != nil {
			logger.Warn("telemetry shutdown failed", "error", serr)
		}
	}()

	ctx, span := telemetry.StartSpan(ctx, "focustree.cmd", "converge")
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	b, err := backend.New(backend.Kind(cfg.Backend), cfg.Workers)
	if err != nil {
		return uuid.Nil, err
	}
	r := &runner{
		cfg:    cfg,
		b:      b,
		logger: telemetry.LoggerWithTrace(ctx, logger.Slog()),
	}

	if cfg.Snapshot.Enabled {
		store, err := openStore(cfg, logger)
		if err != nil {
			return uuid.Nil, err
		}
		defer store.Close()
		r.store = store
	}

	start := time.Now()
	r.p = globaltree.GenerateParticles(b, cfg.Particles, cfg.Seed, cfg.SFCBox())
	r.logger.Info("particles generated",
		slog.Int("particles", r.p.Len()),
		slog.String("backend", b.Name()),
		slog.Duration("elapsed", time.Since(start)))

	var results []rankResult
	if cfg.Transport.Kind == "websocket" {
		var res rankResult
		res, err = r.runWebsocket(ctx)
		results = []rankResult{res}
	} else {
		results, err = r.runLocal(ctx)
	}
	if err != nil {
		return uuid.Nil, err
	}
	span.SetAttributes(
		attribute.String("run", r.runID.String()),
		attribute.Int("ranks", cfg.Ranks),
		attribute.Int("particles", cfg.Particles),
	)

	if r.store != nil {
		info := snapshot.RunInfo{
			ID:         r.runID,
			CreatedAt:  time.Now().UTC(),
			NumRanks:   cfg.Ranks,
			Particles:  cfg.Particles,
			BucketSize: cfg.BucketSize,
			Theta:      cfg.Theta,
			Box:        cfg.SFCBox(),
		}
		if err := r.store.SaveRun(info); err != nil {
			return uuid.Nil, fmt.Errorf("save run %s: %w", r.runID, err)
		}
	}

	r.logger.Info("run converged",
		slog.String("run", r.runID.String()),
		slog.Int("ranks", cfg.Ranks),
		slog.Duration("elapsed", time.Since(start)))
	printResults(out, r.runID, results, r.store != nil)
	return r.runID, nil
}

// runLocal converges all ranks in this process.
func (r *runner) runLocal(ctx context.Context) ([]rankResult, error) {
	eps := transport.NewLocal(r.cfg.Ranks)
	defer func() {
		for _, ep := range eps {
			_ = ep.Close()
		}
	}()

	r.runID = uuid.New()
	results := make([]rankResult, r.cfg.Ranks)
	g, ctx := errgroup.WithContext(ctx)
	for rank := range eps {
		g.Go(func() error {
			res, err := r.runRank(ctx, eps[rank])
			if err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			results[rank] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// runWebsocket joins the mesh as the configured rank and converges it.
func (r *runner) runWebsocket(ctx context.Context) (rankResult, error) {
	tc := r.cfg.Transport
	dialCtx := ctx
	if tc.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, tc.DialTimeout)
		defer cancel()
	}
	ws, err := transport.ListenAndConnect(dialCtx, transport.WebsocketConfig{
		Rank:   tc.Rank,
		Peers:  tc.Peers,
		Listen: tc.Listen,
		Logger: r.logger,
	})
	if err != nil {
		return rankResult{}, err
	}
	defer ws.Close()

	if r.runID, err = shareRunID(ctx, ws); err != nil {
		return rankResult{}, err
	}
	res, err := r.runRank(ctx, ws)
	if err != nil {
		return rankResult{}, err
	}
	// keep the endpoint open until every rank has received its last message
	if err := transport.Barrier(ctx, ws); err != nil {
		return rankResult{}, err
	}
	return res, nil
}

// shareRunID makes every rank adopt the run ID drawn by rank 0.
func shareRunID(ctx context.Context, t transport.Transport) (uuid.UUID, error) {
	var local []byte
	if t.Rank() == 0 {
		id := uuid.New()
		local = id[:]
	}
	all, _, err := transport.AllGatherV(ctx, t, transport.TagAllGather, local)
	if err != nil {
		return uuid.Nil, fmt.Errorf("share run id: %w", err)
	}
	return uuid.FromBytes(all)
}

// runRank runs the full pipeline of one rank: global tree, assignment,
// peers, convergence, expansion centers, MACs and halos.
func (r *runner) runRank(ctx context.Context, comm transport.Transport) (rankResult, error) {
	start := time.Now()
	rank, numRanks := comm.Rank(), comm.Size()
	logger := r.logger.With(slog.String("run", r.runID.String()), slog.Int("rank", rank))
	box := r.cfg.SFCBox()
	invThetaEff := r.cfg.InvThetaEff()

	g, err := globaltree.Build(ctx, comm, r.p.Chunk(rank, numRanks).Keys, globaltree.BuildOptions{
		BucketSize: r.cfg.BucketSize,
		MaxRounds:  r.cfg.MaxRounds,
		Backend:    r.b,
		Logger:     logger,
	})
	if err != nil {
		return rankResult{}, fmt.Errorf("global tree: %w", err)
	}
	asg := globaltree.MakeAssignment(g.Leaves, g.Counts, numRanks)
	peers := globaltree.FindPeers(r.b, rank, asg, g, box, invThetaEff)
	mine := r.p.Slice(asg.Range(rank))

	f, err := focus.New(focus.Options{
		Rank:       rank,
		NumRanks:   numRanks,
		BucketSize: r.cfg.BucketSize,
		MaxRounds:  r.cfg.MaxRounds,
		Backend:    r.b,
		Transport:  comm,
		Logger:     logger,
	})
	if err != nil {
		return rankResult{}, err
	}
	if err := f.Converge(ctx, box, mine.Keys, peers, asg, g.Leaves, g.Counts, invThetaEff); err != nil {
		return rankResult{}, err
	}
	if err := f.UpdateCenters(ctx, mine.X, mine.Y, mine.Z, mine.M, g); err != nil {
		return rankResult{}, err
	}
	if err := f.UpdateMacs(asg, r.cfg.InvTheta(), false); err != nil {
		return rankResult{}, err
	}
	if err := f.DiscoverHalos(mine.X, mine.Y, mine.Z, mine.H, r.cfg.SearchExtFact, false); err != nil {
		return rankResult{}, err
	}
	layout, err := f.ComputeLayout()
	if err != nil {
		return rankResult{}, err
	}

	if r.store != nil {
		if err := r.store.Save(snapshot.Capture(r.runID, f)); err != nil {
			return rankResult{}, fmt.Errorf("save snapshot: %w", err)
		}
	}

	res := rankResult{
		Rank:          rank,
		Particles:     mine.Len(),
		Leaves:        len(f.TreeLeaves()) - 1,
		Depth:         f.Depth(),
		Peers:         f.Peers(),
		HaloParticles: int(layout[len(layout)-1]) - mine.Len(),
		Elapsed:       time.Since(start),
	}
	logger.Debug("rank done",
		slog.Int("leaves", res.Leaves),
		slog.Int("peers", len(res.Peers)),
		slog.Int("halo_particles", res.HaloParticles))
	return res, nil
}

func printResults(out io.Writer, runID uuid.UUID, results []rankResult, saved bool) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tPARTICLES\tLEAVES\tDEPTH\tPEERS\tHALO PARTICLES\tTIME")
	for _, res := range results {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
			res.Rank, res.Particles, res.Leaves, res.Depth, len(res.Peers), res.HaloParticles,
			res.Elapsed.Round(time.Millisecond))
	}
	_ = tw.Flush()
	if saved {
		fmt.Fprintf(out, "\nsaved as run %s\n", runID)
	}
}
