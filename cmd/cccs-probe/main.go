// cccs-probe bootstraps a runtime from a profile, optionally executes a
// probe flow against it, drains the courier, and prints a JSON report.
// It is an operator tool for verifying that a deployment's control
// plane is reachable and that the full receipt pipeline works end to
// end.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Mindburn-Labs/cccs/pkg/config"
	"github.com/Mindburn-Labs/cccs/pkg/contracts"
	"github.com/Mindburn-Labs/cccs/pkg/runtime"
)

type report struct {
	Mode              string   `json:"mode"`
	DependenciesReady bool     `json:"dependencies_ready"`
	BootstrapError    string   `json:"bootstrap_error,omitempty"`
	ProbeReceiptID    string   `json:"probe_receipt_id,omitempty"`
	ProbeError        string   `json:"probe_error,omitempty"`
	AckedSequences    []uint64 `json:"acked_sequences"`
	DrainError        string   `json:"drain_error,omitempty"`
	PendingSync       int      `json:"pending_sync"`
	DeadLetters       int      `json:"dead_letters"`
	ElapsedMS         int64    `json:"elapsed_ms"`
}

func main() {
	profilePath := flag.String("profile", "cccs.yaml", "path to the runtime profile")
	snapshotPath := flag.String("snapshot", "", "optional signed policy snapshot ({payload, signature} JSON)")
	probeModule := flag.String("probe-module", "", "execute a probe flow against this module id")
	probeAction := flag.String("probe-action", "probe", "action id for the probe flow")
	timeout := flag.Duration("timeout", 30*time.Second, "overall probe timeout")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(*profilePath, *snapshotPath, *probeModule, *probeAction, *timeout); err != nil {
		fmt.Fprintln(os.Stderr, "cccs-probe:", err)
		os.Exit(1)
	}
}

func run(profilePath, snapshotPath, probeModule, probeAction string, timeout time.Duration) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	profile, err := config.LoadProfile(profilePath)
	if err != nil {
		return err
	}

	r, err := runtime.New(profile)
	if err != nil {
		return err
	}
	defer r.Shutdown(context.Background())

	if snapshotPath != "" {
		if err := loadSnapshot(r, snapshotPath); err != nil {
			return err
		}
	}

	out := report{Mode: profile.Runtime.Mode}

	if err := r.Bootstrap(ctx, nil); err != nil {
		out.BootstrapError = err.Error()
	}
	out.DependenciesReady = r.DependenciesReady()

	if probeModule != "" && out.BootstrapError == "" {
		result, err := r.ExecuteFlow(ctx, probeFlow(probeModule, probeAction))
		if err != nil {
			out.ProbeError = err.Error()
		} else {
			out.ProbeReceiptID = result.Receipt.ReceiptID
		}
	}

	acked, err := r.DrainCourier()
	if err != nil {
		out.DrainError = err.Error()
	}
	out.AckedSequences = acked
	out.PendingSync = len(r.PendingSyncReceipts())
	out.DeadLetters = len(r.DeadLetters())
	out.ElapsedMS = time.Since(start).Milliseconds()

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}

func loadSnapshot(r *runtime.Runtime, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	var bundle struct {
		Payload   map[string]any `json:"payload"`
		Signature string         `json:"signature"`
	}
	if err := json.Unmarshal(data, &bundle); err != nil {
		return fmt.Errorf("parse snapshot: %w", err)
	}
	if _, err := r.LoadPolicySnapshot(bundle.Payload, bundle.Signature); err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	return nil
}

func probeFlow(moduleID, actionID string) runtime.FlowRequest {
	return runtime.FlowRequest{
		ModuleID:      moduleID,
		Inputs:        map[string]any{"probe": true},
		ActionID:      actionID,
		Cost:          0,
		ConfigKey:     "probe",
		Payload:       map[string]any{"probe": true},
		RedactionHint: "",
		Actor: contracts.ActorContext{
			TenantID:  "probe",
			DeviceID:  "probe",
			SessionID: "probe",
			UserID:    "probe",
			ActorType: "service",
			Timestamp: time.Now().UTC(),
		},
	}
}
