package adb

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes one adb invocation and returns its stdout.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// ExecRunner shells out to the adb binary, optionally pinned to one serial.
type ExecRunner struct {
	Path   string
	Serial string
}

func (r ExecRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	path := r.Path
	if path == "" {
		path = "adb"
	}
	full := args
	if r.Serial != "" {
		full = append([]string{"-s", r.Serial}, args...)
	}

	cmd := exec.CommandContext(ctx, path, full...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("adb %s: output=[%s], error=[%w]", strings.Join(args, " "), strings.TrimSpace(stderr.String()), err)
	}
	return out, nil
}
