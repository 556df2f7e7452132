// Copyright (c) 2026 Prestage Team
// Prestage - model cache staging entrypoint
// This source code is licensed under the MIT license found in the LICENSE file.

package launch

import (
	"errors"
	"path/filepath"
	"reflect"
	"runtime"
	"testing"
)

func TestPrepareNoCommand(t *testing.T) {
	if _, err := Prepare(nil, "HF_HOME", "/cache"); !errors.Is(err, ErrNoCommand) {
		t.Fatalf("expected ErrNoCommand, got %v", err)
	}
}

func TestPrepareUnknownCommand(t *testing.T) {
	if _, err := Prepare([]string{"definitely-not-a-real-binary-xyz"}, "", ""); err == nil {
		t.Fatal("expected lookup error")
	}
}

func TestPreparePassesArgvThrough(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on /bin/sh")
	}
	argv := []string{"sh", "-c", "echo $HF_HOME", "--weird flag", "-- another"}
	c, err := Prepare(argv, "HF_HOME", "/staged")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if !reflect.DeepEqual(c.Args, argv) {
		t.Errorf("argv altered: %v", c.Args)
	}
	if !filepath.IsAbs(c.Path) {
		t.Errorf("path not resolved: %q", c.Path)
	}
}

func TestWithEnvReplacesExisting(t *testing.T) {
	env := []string{"HOME=/home/x", "HF_HOME=/old", "PATH=/bin"}
	got := withEnv(env, "HF_HOME", "/new")

	count := 0
	for _, kv := range got {
		if kv == "HF_HOME=/new" {
			count++
		}
		if kv == "HF_HOME=/old" {
			t.Error("old value survived")
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one HF_HOME entry, got %d in %v", count, got)
	}
	if len(got) != 3 {
		t.Errorf("unexpected env length %d: %v", len(got), got)
	}
}

func TestWithEnvBlankNameIsNoop(t *testing.T) {
	env := []string{"A=1"}
	if got := withEnv(env, "", "x"); !reflect.DeepEqual(got, env) {
		t.Errorf("blank name changed env: %v", got)
	}
}

func TestPrepareEnvContainsOverride(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on /bin/sh")
	}
	t.Setenv("PRESTAGE_TEST_SENTINEL", "keepme")
	c, err := Prepare([]string{"sh"}, "HF_HOME", "/staged")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	var haveOverride, haveSentinel bool
	for _, kv := range c.Env {
		switch kv {
		case "HF_HOME=/staged":
			haveOverride = true
		case "PRESTAGE_TEST_SENTINEL=keepme":
			haveSentinel = true
		}
	}
	if !haveOverride {
		t.Error("cache env override missing from child env")
	}
	if !haveSentinel {
		t.Error("inherited environment lost")
	}
}
