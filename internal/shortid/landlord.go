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

package shortid

import (
	"context"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	buffer "github.com/globocom/go-buffer"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/weeder/api"
)

// LandlordOptions configures the background lease-reclamation task.
type LandlordOptions struct {
	MinSleep   time.Duration
	MaxSleep   time.Duration
	WorklistSz int
}

// DefaultLandlordOptions mirror reasonable defaults for a small-to-medium
// cache: a worklist generous enough to not constantly trip the "busy"
// threshold on ordinary churn, bounded sleep between a few seconds and a
// few minutes.
func DefaultLandlordOptions() LandlordOptions {
	return LandlordOptions{
		MinSleep:   5 * time.Second,
		MaxSleep:   5 * time.Minute,
		WorklistSz: 256,
	}
}

// Landlord periodically scans the allocator's lease table for expired
// blocks, reclaiming them via reclaim. Its scan interval adapts: it halves
// whenever a scan's findings fill the bounded worklist (a strong signal
// that many leases are stale) and otherwise tracks a moving average of
// leases-expired-per-scan, doubling when the trend is consistently low.
type Landlord struct {
	a       *Allocator
	opts    LandlordOptions
	reclaim func(api.ShortID)

	sleep time.Duration
	trend *movingaverage.MovingAverage
}

// NewLandlord creates a Landlord over a, invoking reclaim for each
// newly-expired block start found by a scan.
func NewLandlord(a *Allocator, opts LandlordOptions, reclaim func(api.ShortID)) *Landlord {
	return &Landlord{
		a:       a,
		opts:    opts,
		reclaim: reclaim,
		sleep:   opts.MinSleep,
		trend:   movingaverage.New(8),
	}
}

// Run scans repeatedly until ctx is done, sleeping between scans according
// to the adaptive interval.
func (l *Landlord) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.sleep):
			l.scanOnce()
		}
	}
}

func (l *Landlord) scanOnce() {
	buf := buffer.New(
		buffer.WithSize(uint(l.opts.WorklistSz)),
		buffer.WithFlushInterval(time.Hour), // only manual Flush below should fire
		buffer.WithFlusher(buffer.FlusherFunc(func(items []interface{}) {
			for _, it := range items {
				l.reclaim(it.(api.ShortID))
			}
		})),
	)

	expired := l.a.Expired(time.Now())
	for _, s := range expired {
		if err := buf.Push(s); err != nil {
			klog.Warningf("shortid: landlord worklist push: %v", err)
		}
		l.a.Release(s)
	}
	if err := buf.Flush(); err != nil {
		klog.Warningf("shortid: landlord worklist flush: %v", err)
	}
	filled := len(expired) >= l.opts.WorklistSz

	l.trend.Add(float64(len(expired)))
	avg := l.trend.Avg()
	threshold := float64(l.opts.WorklistSz) / 4

	switch {
	case filled:
		l.halve()
	case avg < threshold:
		l.double()
	}
	klog.V(1).Infof("shortid: landlord scan reclaimed %d leases (avg %.1f/scan), next sleep %s", len(expired), avg, l.sleep)
}

func (l *Landlord) halve() {
	l.sleep /= 2
	if l.sleep < l.opts.MinSleep {
		l.sleep = l.opts.MinSleep
	}
}

func (l *Landlord) double() {
	l.sleep *= 2
	if l.sleep > l.opts.MaxSleep {
		l.sleep = l.opts.MaxSleep
	}
}
