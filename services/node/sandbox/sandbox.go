// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sandbox constructs the command line that launches an
// analysis process under isolation.
//
// The preferred mechanism is bubblewrap: mount namespaces expose the
// workspace read-only with writable output/ and tmp/, the network
// namespace is unshared, and the environment is cleared. When bwrap is
// not installed the runner falls back to a plain child with rlimit
// caps; filesystem and network isolation are then best-effort and the
// degradation is logged at startup.
//
// The wall-clock limit is always enforced by the runner's supervisor,
// never by the mechanism here.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"
)

// Mechanism identifies the isolation mechanism in use.
type Mechanism string

const (
	MechanismBwrap  Mechanism = "bwrap"
	MechanismRlimit Mechanism = "rlimit"
)

// Limits are the per-job resource caps handed to the mechanism.
type Limits struct {
	// CPU caps child CPU time.
	CPU time.Duration

	// MemBytes caps the child's address space.
	MemBytes int64

	// FileSizeBytes caps any single file the child writes, which
	// bounds the result artifact at write time.
	FileSizeBytes int64
}

// Spec describes one sandboxed launch.
type Spec struct {
	// Workspace is the absolute job directory; it becomes the child's
	// working directory.
	Workspace string

	// Command is the program and arguments, e.g. ["python3", "script.py"].
	Command []string

	// InputPaths are host files the workspace's input links point at.
	// Under bwrap each is read-only bound at its own path so the links
	// resolve inside the mount namespace.
	InputPaths []string

	// Env is the complete child environment. Nothing is inherited.
	Env map[string]string

	Limits Limits
}

// Detect resolves the configured mode ("auto", "bwrap", "rlimit") to a
// mechanism. In auto mode a missing bwrap binary degrades to rlimit.
func Detect(mode string) (Mechanism, error) {
	switch mode {
	case "bwrap":
		if _, err := exec.LookPath("bwrap"); err != nil {
			return "", fmt.Errorf("sandbox mode bwrap requested but bwrap not found: %w", err)
		}
		return MechanismBwrap, nil
	case "rlimit":
		return MechanismRlimit, nil
	case "", "auto":
		if _, err := exec.LookPath("bwrap"); err == nil {
			return MechanismBwrap, nil
		}
		return MechanismRlimit, nil
	default:
		return "", fmt.Errorf("unknown sandbox mode %q", mode)
	}
}

// Build returns the exec.Cmd for the spec under the given mechanism.
// The command is not started; the runner owns its lifecycle.
func Build(ctx context.Context, mech Mechanism, spec *Spec) (*exec.Cmd, error) {
	if spec.Workspace == "" {
		return nil, fmt.Errorf("workspace is required")
	}
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("command is required")
	}

	var cmd *exec.Cmd
	switch mech {
	case MechanismBwrap:
		args := bwrapArgs(spec)
		cmd = exec.CommandContext(ctx, "bwrap", args...)
		// bwrap receives an empty inherited environment; the child's
		// variables travel via --setenv so nothing of the node's own
		// environment can leak past --clearenv mistakes.
		cmd.Env = []string{}
	case MechanismRlimit:
		cmd = exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
		cmd.Env = flattenEnv(spec.Env)
	default:
		return nil, fmt.Errorf("unknown mechanism %q", mech)
	}

	cmd.Dir = spec.Workspace
	// A dedicated process group lets the supervisor signal the whole
	// child tree at once.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd, nil
}

// bwrapArgs assembles the bubblewrap argument list: interpreter paths
// read-only, the workspace read-only at its own path with output/ and
// tmp/ writable, no network, cleared environment.
func bwrapArgs(spec *Spec) []string {
	args := []string{
		"--unshare-all",
		"--die-with-parent",
		"--new-session",
		"--proc", "/proc",
		"--dev", "/dev",
		"--tmpfs", "/tmp",
	}

	for _, dir := range []string{"/usr", "/bin", "/lib", "/lib64", "/etc"} {
		if _, err := os.Stat(dir); err == nil {
			args = append(args, "--ro-bind", dir, dir)
		}
	}

	args = append(args,
		"--ro-bind", spec.Workspace, spec.Workspace,
		"--bind", spec.Workspace+"/output", spec.Workspace+"/output",
		"--bind", spec.Workspace+"/tmp", spec.Workspace+"/tmp",
	)
	for _, p := range spec.InputPaths {
		args = append(args, "--ro-bind", p, p)
	}
	args = append(args,
		"--chdir", spec.Workspace,
		"--clearenv",
	)

	// Deterministic order keeps the command reproducible in logs.
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--setenv", k, spec.Env[k])
	}

	args = append(args, "--")
	args = append(args, spec.Command...)
	return args
}

func flattenEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
