package funnel_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/firestorm-team/funnelbot/internal/database"
	"github.com/firestorm-team/funnelbot/internal/funnel"
)

// bindingStore fakes only the funnel-binding methods the registry uses.
type bindingStore struct {
	database.Store

	bindings map[int64]string
	err      error
}

func newBindingStore() *bindingStore {
	return &bindingStore{bindings: make(map[int64]string)}
}

func (s *bindingStore) GetUserFunnel(_ context.Context, userID int64) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.bindings[userID], nil
}

func (s *bindingStore) BindUserFunnel(_ context.Context, userID int64, funnelName string) error {
	if s.err != nil {
		return s.err
	}
	s.bindings[userID] = funnelName
	return nil
}

func writeFunnel(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name+".json"), []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write funnel file: %v", err)
	}
}

const minimalFunnel = `{
	"start": {"default": {"text": "hi"}},
	"callback": {"step_1": {"text": "step"}},
	"stages": {"step_1": "Step One"}
}`

func newRegistry(t *testing.T, store database.Store, extra map[string]string) *funnel.Registry {
	t.Helper()

	dir := t.TempDir()
	writeFunnel(t, dir, "default", minimalFunnel)
	for name, body := range extra {
		writeFunnel(t, dir, name, body)
	}

	r := funnel.NewRegistry(nil, store, dir, "default")
	if err := r.LoadAll(); err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	return r
}

func TestLoadAllRejectsMissingDefault(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFunnel(t, dir, "other", minimalFunnel)

	r := funnel.NewRegistry(nil, newBindingStore(), dir, "default")
	if err := r.LoadAll(); err == nil {
		t.Error("LoadAll accepted a directory without the default funnel")
	}
}

func TestLoadAllRejectsInvalidDefinitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{
			name: "malformed json",
			body: `{"start": `,
		},
		{
			name: "missing callback namespace",
			body: `{"start": {"default": {"text": "hi"}}}`,
		},
		{
			name: "unknown action kind",
			body: `{
				"start": {"default": {"text": "hi"}},
				"callback": {"x": {"action": {"func": "fly_to_moon"}}}
			}`,
		},
		{
			name: "both action containers set",
			body: `{
				"start": {"default": {"text": "hi"}},
				"callback": {"x": {
					"text": "t",
					"action": {"func": "return_ok"},
					"actions": [{"func": "return_ok"}]
				}}
			}`,
		},
		{
			name: "start_fsm without collect_data",
			body: `{
				"start": {"default": {"text": "hi"}},
				"callback": {"x": {"action": {"func": "start_fsm"}}}
			}`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			writeFunnel(t, dir, "default", tc.body)

			r := funnel.NewRegistry(nil, newBindingStore(), dir, "default")
			if err := r.LoadAll(); err == nil {
				t.Error("LoadAll accepted an invalid definition")
			}
		})
	}
}

func TestGetFallsBackToDefault(t *testing.T) {
	t.Parallel()

	r := newRegistry(t, newBindingStore(), map[string]string{
		"course": `{"start": {"default": {"text": "course start"}}, "callback": {"c1": {"text": "c"}}}`,
	})

	tests := []struct {
		name    string
		lookup  string
		funnel  string
		hasStep string
	}{
		{name: "known funnel", lookup: "course", funnel: "course", hasStep: "c1"},
		{name: "case insensitive", lookup: "COURSE", funnel: "course", hasStep: "c1"},
		{name: "empty name", lookup: "", funnel: "default", hasStep: "step_1"},
		{name: "unknown name", lookup: "ghost", funnel: "default", hasStep: "step_1"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			def := r.Get(tc.lookup)
			if def.Name != tc.funnel {
				t.Errorf("Get(%q).Name = %q, want %q", tc.lookup, def.Name, tc.funnel)
			}
			if def.Callback[tc.hasStep] == nil {
				t.Errorf("Get(%q) lacks callback %q", tc.lookup, tc.hasStep)
			}
		})
	}
}

func TestResolveUserFunnel(t *testing.T) {
	t.Parallel()

	store := newBindingStore()
	store.bindings[7] = "Course"
	r := newRegistry(t, store, map[string]string{
		"course": `{"start": {"default": {"text": "c"}}, "callback": {"c1": {"text": "c"}}}`,
	})

	ctx := context.Background()
	if got := r.ResolveUserFunnel(ctx, 7); got != "course" {
		t.Errorf("ResolveUserFunnel = %q, want the lowercased binding", got)
	}
	if got := r.ResolveUserFunnel(ctx, 8); got != "default" {
		t.Errorf("ResolveUserFunnel for unbound user = %q, want default", got)
	}
}

func TestBindUserFunnelNormalizes(t *testing.T) {
	t.Parallel()

	store := newBindingStore()
	r := newRegistry(t, store, nil)

	ctx := context.Background()
	name, err := r.BindUserFunnel(ctx, 7, "CoUrSe")
	if err != nil {
		t.Fatalf("BindUserFunnel returned error: %v", err)
	}
	if name != "course" {
		t.Errorf("stored name = %q, want course", name)
	}

	name, err = r.BindUserFunnel(ctx, 8, "")
	if err != nil {
		t.Fatalf("BindUserFunnel returned error: %v", err)
	}
	if name != "default" {
		t.Errorf("empty binding stored as %q, want default", name)
	}
}

func TestStagesMergeAcrossDefinitions(t *testing.T) {
	t.Parallel()

	r := newRegistry(t, newBindingStore(), map[string]string{
		"course": `{
			"start": {"default": {"text": "c"}},
			"callback": {"c1": {"text": "c"}},
			"stages": {"c1": "Course Intro"}
		}`,
	})

	stages := r.Stages()
	if stages["step_1"] != "Step One" {
		t.Errorf("stages missing default funnel alias: %v", stages)
	}
	if stages["c1"] != "Course Intro" {
		t.Errorf("stages missing course funnel alias: %v", stages)
	}
}

func TestDescriptorHelpers(t *testing.T) {
	t.Parallel()

	t.Run("HasContent", func(t *testing.T) {
		t.Parallel()

		var nilDesc *funnel.Descriptor
		if nilDesc.HasContent() {
			t.Error("nil descriptor reported content")
		}
		if (&funnel.Descriptor{}).HasContent() {
			t.Error("empty descriptor reported content")
		}
		if !(&funnel.Descriptor{Text: "x"}).HasContent() {
			t.Error("text descriptor reported no content")
		}
		if !(&funnel.Descriptor{File: &funnel.File{Path: "a.pdf"}}).HasContent() {
			t.Error("file descriptor reported no content")
		}
	})

	t.Run("ActionList prefers the list container", func(t *testing.T) {
		t.Parallel()

		d := &funnel.Descriptor{
			Actions: []funnel.Action{{Kind: funnel.ActionReturnOK}, {Kind: funnel.ActionStopFSM}},
			Action:  &funnel.Action{Kind: funnel.ActionFunnelPassed},
		}
		if got := len(d.ActionList()); got != 2 {
			t.Errorf("ActionList length = %d, want 2", got)
		}
	})

	t.Run("NextRoute scans in reverse", func(t *testing.T) {
		t.Parallel()

		actions := []funnel.Action{
			{Kind: funnel.ActionReturnOK, IsOK: "first"},
			{Kind: funnel.ActionReturnOK},
			{Kind: funnel.ActionReturnOK, IsOK: "last"},
		}
		if got := funnel.NextRoute(actions); got != "last" {
			t.Errorf("NextRoute = %q, want last", got)
		}
		if got := funnel.NextRoute(nil); got != "" {
			t.Errorf("NextRoute(nil) = %q, want empty", got)
		}
	})
}
