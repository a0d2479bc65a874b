package strategy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"clip-acquirer/internal/failure"
	"clip-acquirer/internal/progress"
)

// The fake tool records its arguments, expands the title placeholder in the
// output template and then runs body with $dest set.
const fakeToolHeader = `#!/usr/bin/env bash
printf '%s\n' "$@" > "$FAKE_ARGS"
out=""
url=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-o" ]; then out="$2"; shift; fi
  url="$1"
  shift
done
dest=$(printf '%s' "$out" | sed 's/%(title).60B.%(ext)s/Clip_Title.mp4/')
`

func writeFakeTool(t *testing.T, body string) (bin string, argsFile string) {
	t.Helper()
	dir := t.TempDir()
	bin = filepath.Join(dir, "yt-dlp")
	if err := os.WriteFile(bin, []byte(fakeToolHeader+body), 0o755); err != nil {
		t.Fatal(err)
	}
	argsFile = filepath.Join(dir, "args.txt")
	t.Setenv("FAKE_ARGS", argsFile)
	return bin, argsFile
}

type recorder struct {
	mu       sync.Mutex
	reports  []string
	policies []string
}

func (r *recorder) env() Env {
	return Env{
		Report: func(raw int, status, phase string) {
			r.mu.Lock()
			r.reports = append(r.reports, phase+":"+status)
			r.mu.Unlock()
		},
		SetPolicy: func(p progress.Policy) {
			r.mu.Lock()
			r.policies = append(r.policies, p.Name)
			r.mu.Unlock()
		},
	}
}

func readArgs(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestFetchTool_PrimarySingleFormat(t *testing.T) {
	bin, argsFile := writeFakeTool(t, `
echo "[info] 1: Downloading 1 format(s): h264_720p"
echo "[download] Destination: $dest"
echo "[download]  50.0% of 1.00MiB at 1.00MiB/s ETA 00:01"
printf 'data' > "$dest"
echo "[download] 100% of 1.00MiB"
`)
	p := NewPlanner(Deps{Media: newMedia(t), Fetch: FetchConfig{Binary: bin}})
	list, err := p.Plan(job("https://www.tiktok.com/@u/video/1"))
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	out, err := list[0].Run(context.Background(), job("https://www.tiktok.com/@u/video/1"), rec.env())
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(out.Path) != "v1__Clip_Title.mp4" {
		t.Fatalf("unexpected path %s", out.Path)
	}
	if out.Video.Title != "Clip Title" {
		t.Fatalf("unexpected title %q", out.Video.Title)
	}
	if len(rec.policies) != 1 || rec.policies[0] != progress.Single.Name {
		t.Fatalf("unexpected policies: %v", rec.policies)
	}
	args := readArgs(t, argsFile)
	for _, want := range []string{desktopUserAgent, "https://www.tiktok.com/", "bv*+ba/b"} {
		if !strings.Contains(args, want) {
			t.Fatalf("missing %q in args:\n%s", want, args)
		}
	}
	if strings.Contains(args, "--cookies") {
		t.Fatalf("cookies passed without useAuthCookies")
	}
}

func TestFetchTool_MergedPhases(t *testing.T) {
	bin, _ := writeFakeTool(t, `
echo "[info] 1: Downloading 2 format(s): 137+140"
echo "[download] Destination: $dest.f137.mp4"
echo "[download] 100% of 4.00MiB"
echo "[download] Destination: $dest.f140.m4a"
echo "[download] 100% of 1.00MiB"
echo "[Merger] Merging formats into \"$dest\""
printf 'data' > "$dest"
`)
	p := NewPlanner(Deps{Media: newMedia(t), Fetch: FetchConfig{Binary: bin}})
	list, _ := p.Plan(job("https://example.com/watch/1"))
	rec := &recorder{}
	if _, err := list[0].Run(context.Background(), job("https://example.com/watch/1"), rec.env()); err != nil {
		t.Fatal(err)
	}
	if len(rec.policies) == 0 || rec.policies[0] != progress.Merged.Name {
		t.Fatalf("expected merged policy, got %v", rec.policies)
	}
	joined := strings.Join(rec.reports, ",")
	for _, want := range []string{"primary-fetch:downloading", "secondary-fetch:downloading", "merge:merging"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("missing %s in %s", want, joined)
		}
	}
}

func TestFetchTool_FailureIsClassifiedAndCleaned(t *testing.T) {
	bin, _ := writeFakeTool(t, `
echo "[download] Destination: $dest"
printf 'partial' > "$dest.part"
echo "ERROR: [TikTok] 1: HTTP Error 403: Forbidden" >&2
exit 1
`)
	media := newMedia(t)
	p := NewPlanner(Deps{Media: media, Fetch: FetchConfig{Binary: bin}})
	list, _ := p.Plan(job("https://www.tiktok.com/@u/video/1"))
	_, err := list[0].Run(context.Background(), job("https://www.tiktok.com/@u/video/1"), Env{})

	var fe *failure.Error
	if !errors.As(err, &fe) || fe.Kind != failure.KindForbidden || fe.Strategy != NamePrimary {
		t.Fatalf("expected forbidden from primary, got %v", err)
	}
	if fe.Record.ExitCode != 1 {
		t.Fatalf("expected exit code in record, got %+v", fe.Record)
	}
	entries, _ := os.ReadDir(media.Dir())
	if len(entries) != 0 {
		t.Fatalf("expected partial files removed, found %d", len(entries))
	}
}

func TestFetchTool_CleanExitWithoutFile(t *testing.T) {
	bin, _ := writeFakeTool(t, "exit 0\n")
	p := NewPlanner(Deps{Media: newMedia(t), Fetch: FetchConfig{Binary: bin}})
	list, _ := p.Plan(job("https://example.com/watch/1"))
	_, err := list[0].Run(context.Background(), job("https://example.com/watch/1"), Env{})
	if failure.KindOf(err) != failure.KindNoContentFound {
		t.Fatalf("expected no content, got %v", err)
	}
}

func TestFetchTool_MinimalArgs(t *testing.T) {
	bin, argsFile := writeFakeTool(t, `printf 'data' > "$dest"
echo "[download] Destination: $dest"
`)
	p := NewPlanner(Deps{Media: newMedia(t), Fetch: FetchConfig{Binary: bin, ProxyURL: "http://proxy:3128"}})
	list, _ := p.Plan(job("https://example.com/watch/1"))
	minimal := list[1]
	if minimal.Name() != NameMinimal {
		t.Fatalf("unexpected strategy %s", minimal.Name())
	}
	if _, err := minimal.Run(context.Background(), job("https://example.com/watch/1"), Env{}); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(readArgs(t, argsFile)), "\n")
	if len(lines) != 4 || lines[0] != "--newline" || lines[1] != "-o" || lines[3] != "https://example.com/watch/1" {
		t.Fatalf("unexpected minimal args: %v", lines)
	}
}

func TestFetchTool_CancelThroughAttachedHandle(t *testing.T) {
	bin, _ := writeFakeTool(t, `
echo "[download] Destination: $dest"
echo "[download]   1.0% of 10.00MiB at 1.00MiB/s ETA 00:09"
exec sleep 30
`)
	p := NewPlanner(Deps{Media: newMedia(t), Fetch: FetchConfig{Binary: bin}})
	list, _ := p.Plan(job("https://example.com/watch/1"))

	ctx, cancel := context.WithCancel(context.Background())
	var abortMu sync.Mutex
	var abort func()
	env := Env{
		Attach: func(fn func()) func() {
			abortMu.Lock()
			abort = fn
			abortMu.Unlock()
			return func() {}
		},
		Report: func(raw int, status, phase string) {
			if raw == 1 {
				cancel()
				abortMu.Lock()
				abort()
				abortMu.Unlock()
			}
		},
	}
	_, err := list[0].Run(ctx, job("https://example.com/watch/1"), env)
	if failure.KindOf(err) != failure.KindCancelled {
		t.Fatalf("expected cancelled, got %v", err)
	}
}
