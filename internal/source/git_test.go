// Shepherd - Self-Updating Application Supervisor
// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/shepherd-dev/shepherd

package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// call records one external command invocation.
type call struct {
	dir  string
	name string
	args []string
}

// fakeRunner scripts command outcomes and records invocations.
type fakeRunner struct {
	calls   []call
	outputs []string
	errs    []error
}

func (f *fakeRunner) run(_ context.Context, dir, name string, args ...string) (string, error) {
	i := len(f.calls)
	f.calls = append(f.calls, call{dir: dir, name: name, args: args})
	var out string
	if i < len(f.outputs) {
		out = f.outputs[i]
	}
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return out, err
}

func newTestAdapter(runner *fakeRunner) *Adapter {
	return &Adapter{
		repoURL:      "https://example.com/org/app.git",
		fetchTimeout: 5 * time.Second,
		cloneTimeout: 30 * time.Second,
		run:          runner.run,
	}
}

func TestFetchHeadRevision(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		err     error
		want    Revision
		wantErr error
	}{
		{
			name:   "resolves head",
			output: "a3f8c1209be4d5e6f7a8b9c0d1e2f3a4b5c6d7e8\trefs/heads/main\n",
			want:   Revision("a3f8c1209be4d5e6f7a8b9c0d1e2f3a4b5c6d7e8"),
		},
		{
			name:    "remote unreachable",
			err:     errors.New("exit status 128"),
			wantErr: ErrFetchUnreachable,
		},
		{
			name:    "branch missing",
			output:  "",
			wantErr: ErrFetchUnreachable,
		},
		{
			name:    "malformed revision",
			output:  "not-a-sha\trefs/heads/main\n",
			wantErr: ErrFetchUnreachable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{outputs: []string{tt.output}, errs: []error{tt.err}}
			a := newTestAdapter(runner)

			got, err := a.FetchHeadRevision(context.Background(), "main")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("FetchHeadRevision() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("FetchHeadRevision() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("FetchHeadRevision() = %q, want %q", got, tt.want)
			}

			if len(runner.calls) != 1 {
				t.Fatalf("got %d command invocations, want 1", len(runner.calls))
			}
			args := strings.Join(runner.calls[0].args, " ")
			if !strings.Contains(args, "ls-remote") {
				t.Errorf("expected ls-remote invocation, got %q", args)
			}
		})
	}
}

func TestMaterializeFreshClone(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "release")
	runner := &fakeRunner{}
	a := newTestAdapter(runner)

	rev := Revision("a3f8c1209be4d5e6f7a8b9c0d1e2f3a4b5c6d7e8")
	if err := a.Materialize(context.Background(), rev, dir); err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}

	if len(runner.calls) != 2 {
		t.Fatalf("got %d invocations, want clone + checkout", len(runner.calls))
	}
	if runner.calls[0].args[0] != "clone" {
		t.Errorf("first invocation = %v, want clone", runner.calls[0].args)
	}
	if runner.calls[1].args[0] != "checkout" {
		t.Errorf("second invocation = %v, want checkout", runner.calls[1].args)
	}
	if runner.calls[1].dir != dir {
		t.Errorf("checkout ran in %q, want %q", runner.calls[1].dir, dir)
	}
}

func TestMaterializeReusesCheckout(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}

	runner := &fakeRunner{}
	a := newTestAdapter(runner)

	rev := Revision("a3f8c1209be4d5e6f7a8b9c0d1e2f3a4b5c6d7e8")
	if err := a.Materialize(context.Background(), rev, dir); err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}

	want := []string{"fetch", "reset", "clean"}
	if len(runner.calls) != len(want) {
		t.Fatalf("got %d invocations, want %d", len(runner.calls), len(want))
	}
	for i, verb := range want {
		if runner.calls[i].args[0] != verb {
			t.Errorf("invocation %d = %v, want %s", i, runner.calls[i].args, verb)
		}
		if runner.calls[i].dir != dir {
			t.Errorf("invocation %d ran in %q, want %q", i, runner.calls[i].dir, dir)
		}
	}
}

func TestMaterializeErrors(t *testing.T) {
	tests := []struct {
		name     string
		existing bool
		errs     []error
		wantErr  error
	}{
		{
			name:    "clone fails",
			errs:    []error{errors.New("exit status 128")},
			wantErr: ErrCloneFailed,
		},
		{
			name:    "checkout fails",
			errs:    []error{nil, errors.New("exit status 1")},
			wantErr: ErrCheckoutFailed,
		},
		{
			name:     "fetch fails on reuse",
			existing: true,
			errs:     []error{errors.New("exit status 128")},
			wantErr:  ErrCloneFailed,
		},
		{
			name:     "reset fails on reuse",
			existing: true,
			errs:     []error{nil, errors.New("exit status 1")},
			wantErr:  ErrCheckoutFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if tt.existing {
				if err := os.Mkdir(filepath.Join(dir, ".git"), 0o755); err != nil {
					t.Fatal(err)
				}
			}

			runner := &fakeRunner{errs: tt.errs}
			a := newTestAdapter(runner)

			err := a.Materialize(context.Background(), Revision("a3f8c1209be4d"), dir)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Materialize() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRevisionShort(t *testing.T) {
	long := Revision("a3f8c1209be4d5e6f7a8b9c0d1e2f3a4b5c6d7e8")
	if got := long.Short(); got != "a3f8c1209be4" {
		t.Errorf("Short() = %q, want first 12 chars", got)
	}
	if got := Revision("abc1234").Short(); got != "abc1234" {
		t.Errorf("Short() = %q, want unchanged short revision", got)
	}
}

func TestValidRevision(t *testing.T) {
	tests := []struct {
		rev  Revision
		want bool
	}{
		{"a3f8c1209be4d5e6f7a8b9c0d1e2f3a4b5c6d7e8", true},
		{"abc1234", true},
		{"ABC1234", true},
		{"abc123", false},          // too short
		{"not-a-revision!", false}, // non-hex
		{Revision(strings.Repeat("a", 65)), false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%.16s", tt.rev), func(t *testing.T) {
			if got := validRevision(tt.rev); got != tt.want {
				t.Errorf("validRevision(%q) = %v, want %v", tt.rev, got, tt.want)
			}
		})
	}
}
