// Copyright 2024 The Tessera authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// weeder runs one cache garbage-collection pass (or resumes an
// interrupted one) against the cache server and repository named in its
// config file. Run with -help for the list of flags.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"k8s.io/klog/v2"

	weeder "github.com/transparency-dev/weeder"
	"github.com/transparency-dev/weeder/api"
	"github.com/transparency-dev/weeder/internal/cacheclient"
	"github.com/transparency-dev/weeder/internal/config"
	"github.com/transparency-dev/weeder/internal/instr"
	"github.com/transparency-dev/weeder/internal/repoclient"
	"github.com/transparency-dev/weeder/internal/shortid"
)

var (
	configFile = flag.String("config", "", "Path to the weeder's YAML config file.")
	noDelete   = flag.Bool("nodelete", false, "Run only the mark phase; don't delete anything.")
	query      = flag.Bool("query", false, "Run against an in-memory fake cache/repository instead of dialing the real ones, for inspection and local testing.")
	models     = flag.String("models", "", "Comma-separated list of model short-ids to restrict this weed to; empty means all models.")
	rootsFile  = flag.String("roots", "", "Path to the flat instruction-roots file (pkgFP,model,keep lines); empty means no explicit instructions, age alone decides what's kept.")
	keepFlag   = flag.String("keep", "168h", "How far back a root's timestamp keeps it without an explicit instruction, e.g. 72h, 3d, 30m.")
	noNew      = flag.Bool("nonew", false, "On a resumed weed, exit once the pending deletion phase completes instead of starting a fresh one.")
	debug      = flag.Int("debug", 0, "Verbosity level for klog.V-gated debug logging.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *debug > 0 {
		flag.Set("v", strconv.Itoa(*debug))
	}
	if *noDelete && *query {
		klog.Exitf("-nodelete and -query are mutually exclusive")
	}

	keepDur, err := parseKeepDuration(*keepFlag)
	if err != nil {
		klog.Exitf("invalid -keep: %v", err)
	}

	var instrRoots instr.Roots
	if *rootsFile != "" {
		instrRoots, err = instr.Load(*rootsFile)
		if err != nil {
			klog.Exitf("loading -roots: %v", err)
		}
		instrRoots = filterByModels(instrRoots, *models)
	} else {
		instrRoots = instr.Roots{}
	}

	if *configFile == "" {
		klog.Exitf("-config is required")
	}
	cfg, err := config.Load(*configFile)
	if err != nil {
		klog.Exitf("loading config: %v", err)
	}

	cache, repo := buildClients(cfg, *query)

	shortIDs := shortid.New(cfg.DerivedFileDir)
	landlordOpts := shortid.LandlordOptions{
		MinSleep:   cfg.Landlord.MinSleep,
		MaxSleep:   cfg.Landlord.MaxSleep,
		WorklistSz: cfg.Landlord.WorklistSz,
	}
	landlord := shortid.NewLandlord(shortIDs, landlordOpts, func(id api.ShortID) {
		klog.V(1).Infof("weeder: landlord reclaimed block starting at %s", id)
	})

	opts := weeder.Options{
		Cache:       cache,
		Repo:        repo,
		GLDir:       cfg.GraphLogDir,
		GLBackupDir: cfg.BackupDir,
		WorkDir:     cfg.StableVarsDir,
		DerivedDir:  cfg.DerivedFileDir,
		StableDir:   cfg.StableVarsDir,
		ShortIDs:    shortIDs,
		Landlord:    landlord,
		NodeBufSize: cfg.NodeBufferSize,
		DIBufSize:   cfg.DIBufferSize,
		InstrRoots:  instrRoots,
		KeepDur:     keepDur,
		NoDelete:    *noDelete,
		NoNew:       *noNew,
	}

	if err := weeder.Run(context.Background(), opts); err != nil {
		klog.Errorf("weed failed: %v", err)
		os.Exit(weeder.ExitCode(err))
	}
}

// parseKeepDuration accepts time.ParseDuration syntax plus a trailing "d"
// for whole days, matching spec.md §6's s/m/h/d suffix set.
func parseKeepDuration(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, fmt.Errorf("bad day count in %q: %w", s, err)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// filterByModels restricts roots to the comma-separated model short-ids
// named in modelsCSV; an empty modelsCSV is a no-op.
func filterByModels(roots instr.Roots, modelsCSV string) instr.Roots {
	if modelsCSV == "" {
		return roots
	}
	want := map[uint64]bool{}
	for _, m := range strings.Split(modelsCSV, ",") {
		v, err := strconv.ParseUint(strings.TrimSpace(m), 16, 32)
		if err != nil {
			klog.Warningf("weeder: ignoring invalid -models entry %q: %v", m, err)
			continue
		}
		want[v] = true
	}
	filtered := instr.Roots{}
	for pb, keep := range roots {
		if want[uint64(pb.Model)] {
			filtered[pb] = keep
		}
	}
	return filtered
}

// buildClients returns the Cache/Repository implementations for this run.
// -query selects in-memory fakes. No wire transport is compiled into this
// binary (see internal/cacheclient's Transport interface), so without
// -query it logs a warning and exits fatally instead of returning clients.
func buildClients(cfg config.Config, queryMode bool) (cacheclient.Cache, repoclient.Repository) {
	if queryMode {
		return cacheclient.NewFake(), repoclient.NewFake()
	}
	klog.Warningf("weeder: no wire transport configured for cache %s:%d; dial support is left to the deployment (spec.md §1)", cfg.Cache.Host, cfg.Cache.Port)
	klog.Exitf("weeder: real (non--query) mode requires a Transport wired in by the deployment; none is compiled into this binary")
	return nil, nil
}
