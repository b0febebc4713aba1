// ============================================================================
// webptar Execution Mode Selector
// ============================================================================
//
// Package: internal/mode
// File: mode.go
// Function: Probe the three capabilities a batch depends on and map them to
//           one execution plan through a single policy table
//
// Capabilities:
//   (a) background  - an isolated goroutine can own the coordinator
//   (b) staging     - the configured persistent store opens and locks
//   (c) target      - the WebP encoder binary resolves and answers -version
//
// Policy table:
//
//   ┌─────┬─────┬─────┬──────────────────────────────────────────────┐
//   │ (a) │ (b) │ (c) │ plan                                         │
//   ├─────┼─────┼─────┼──────────────────────────────────────────────┤
//   │ yes │ yes │ yes │ background + persistent staging + webp       │
//   │ yes │ no  │ yes │ background + memory staging + webp           │
//   │ yes │  *  │ no  │ background + (b) staging + png               │
//   │ no  │  *  │  *  │ inline + (b) staging + (c) format            │
//   └─────┴─────┴─────┴──────────────────────────────────────────────┘
//
//   "*" resolves to the probe result: (b) and (c) are honoured in both
//   execution modes. A failed (b) without memory fallback is an
//   InitializationError instead of a plan.
//
// ============================================================================

package mode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"github.com/ChuLiYu/webptar/internal/convert"
	"github.com/ChuLiYu/webptar/internal/staging"
	"github.com/ChuLiYu/webptar/pkg/types"
)

// Policy is the configured execution preference.
type Policy string

const (
	PolicyAuto       Policy = "auto"       // probe (a)
	PolicyBackground Policy = "background" // force background
	PolicyInline     Policy = "inline"     // force the caller's goroutine
)

// ParsePolicy validates a configured execution mode. Empty means auto.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyAuto, nil
	case PolicyAuto, PolicyBackground, PolicyInline:
		return p, nil
	default:
		return "", fmt.Errorf("unknown execution mode %q (want auto, background or inline)", s)
	}
}

// Capabilities is the outcome of one probe.
type Capabilities struct {
	Background bool
	// Staging is the backend that was probed; StagingErr is why it failed.
	Staging    types.StagingKind
	Persistent bool
	StagingErr error
	// Encoder describes the WebP encoder; WebP is false when it is missing
	// or PNG output was requested.
	Encoder convert.Probe
	WebP    bool
}

// Plan is the resolved configuration for one batch.
type Plan struct {
	Execution types.Execution   `json:"execution"`
	Staging   types.StagingKind `json:"staging"`
	Format    string            `json:"format"`
	Caveats   []string          `json:"caveats,omitempty"`
}

// Degraded reports whether the plan stages in memory.
func (p Plan) Degraded() bool { return !p.Staging.Persistent() }

// ============================================================================
// Probing
// ============================================================================

// ProbeOptions configures Probe.
type ProbeOptions struct {
	Policy  Policy
	Staging staging.Options
	// CWebP is the encoder binary. Ignored when PNGOnly is set.
	CWebP   string
	PNGOnly bool
	Logger  *slog.Logger
}

// Probe checks every capability. It never fails; failures are recorded in
// the returned Capabilities.
//
// The persistent staging probe opens, locks and closes the configured store,
// so it must not run while another batch owns the staging directory.
func Probe(ctx context.Context, opts ProbeOptions) Capabilities {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	caps := Capabilities{
		Background: opts.Policy != PolicyInline && runtime.GOMAXPROCS(0) >= 1,
		Staging:    opts.Staging.Backend,
	}
	if caps.Staging == "" {
		caps.Staging = types.StagingSegment
	}

	if caps.Staging.Persistent() {
		store, err := staging.Open(ctx, opts.Staging)
		if err == nil {
			err = store.Close()
		}
		caps.Persistent = err == nil
		caps.StagingErr = err
	}

	if opts.PNGOnly {
		caps.Encoder = convert.Probe{Err: errors.New("png output requested")}
	} else {
		caps.Encoder = convert.ProbeCWebP(ctx, opts.CWebP)
		caps.WebP = caps.Encoder.Available
	}

	logger.Debug("capability probe",
		"background", caps.Background,
		"staging", caps.Staging,
		"persistent", caps.Persistent,
		"staging_error", caps.StagingErr,
		"webp", caps.WebP,
		"encoder", caps.Encoder.Path,
		"encoder_version", caps.Encoder.Version)
	return caps
}

// ============================================================================
// Policy
// ============================================================================

// memoryCaveat is attached to every plan that stages in memory.
const memoryCaveat = "staging in memory: peak memory grows with batch size"

// Select maps caps to a plan. allowMemory permits the in-memory store when
// persistent staging is unavailable; otherwise that case is an
// InitializationError.
func Select(policy Policy, caps Capabilities, allowMemory bool) (Plan, error) {
	plan := Plan{
		Execution: types.ExecutionBackground,
		Staging:   caps.Staging,
		Format:    types.FormatWebP,
	}

	if policy == PolicyInline || (policy == PolicyAuto && !caps.Background) {
		plan.Execution = types.ExecutionInline
		if policy == PolicyAuto {
			plan.Caveats = append(plan.Caveats, "background execution unavailable: conversion runs on the caller's goroutine")
		}
	}

	switch {
	case caps.Staging == types.StagingMemory:
		plan.Caveats = append(plan.Caveats, memoryCaveat)
	case !caps.Persistent:
		if !allowMemory {
			return Plan{}, types.NewError(types.ErrInitialization,
				fmt.Errorf("persistent staging unavailable: %w", caps.StagingErr))
		}
		plan.Staging = types.StagingMemory
		reason := memoryCaveat
		if caps.StagingErr != nil {
			reason += " (" + caps.StagingErr.Error() + ")"
		}
		plan.Caveats = append(plan.Caveats, reason)
	}

	if !caps.WebP {
		plan.Format = types.FormatPNG
		if caps.Encoder.Err != nil {
			plan.Caveats = append(plan.Caveats, "webp encoder unavailable, writing png: "+caps.Encoder.Err.Error())
		} else {
			plan.Caveats = append(plan.Caveats, "webp encoder unavailable, writing png")
		}
	}
	return plan, nil
}
