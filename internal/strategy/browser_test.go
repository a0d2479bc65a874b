package strategy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"clip-acquirer/internal/browser"
	"clip-acquirer/internal/failure"
	"clip-acquirer/internal/model"
	"clip-acquirer/internal/progress"
	"clip-acquirer/internal/transfer"
)

type stubExtractor struct {
	info model.VideoInfo
	err  error
}

func (s *stubExtractor) Extract(ctx context.Context, req browser.Request) (model.VideoInfo, error) {
	if req.OnState != nil {
		for _, st := range []browser.State{browser.StateNavigating, browser.StateHarvesting, browser.StateDone} {
			req.OnState(st)
		}
	}
	return s.info, s.err
}

type stubStreamer struct {
	fail  map[string]error
	tried []string
	auth  []bool
}

func (s *stubStreamer) Stream(ctx context.Context, req transfer.Request) error {
	s.tried = append(s.tried, req.URL)
	s.auth = append(s.auth, req.UseAuthCookies)
	if err := s.fail[req.URL]; err != nil {
		return err
	}
	if req.Headers.Get("Referer") == "" {
		return failure.New(failure.KindForbidden, "missing referer")
	}
	req.Report(100)
	return os.WriteFile(req.Dest, []byte("video"), 0o644)
}

func browserFor(t *testing.T, ex Extractor, st Streamer) Strategy {
	t.Helper()
	p := NewPlanner(Deps{Media: newMedia(t), Browser: ex, Transfer: st})
	list, err := p.Plan(job("https://www.tiktok.com/@u/video/1"))
	if err != nil {
		t.Fatal(err)
	}
	last := list[len(list)-1]
	if last.Name() != NameBrowser || last.Policy().Name != progress.Browser.Name {
		t.Fatalf("expected browser strategy last, got %s", last.Name())
	}
	return last
}

func TestBrowserStrategy_FallsThroughCandidates(t *testing.T) {
	ex := &stubExtractor{info: model.VideoInfo{
		Title: "My Clip",
		CandidateURLs: []string{
			"https://cdn.example.com/a.mp4",
			"https://cdn.example.com/b.m3u8",
			"https://cdn.example.com/c.webm",
		},
	}}
	st := &stubStreamer{fail: map[string]error{
		"https://cdn.example.com/a.mp4": failure.Classify("", failure.Record{HTTPStatus: 403}),
	}}
	rec := &recorder{}
	out, err := browserFor(t, ex, st).Run(context.Background(), job("https://www.tiktok.com/@u/video/1"), rec.env())
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(out.Path) != "v1__My_Clip.webm" {
		t.Fatalf("unexpected path %s", out.Path)
	}
	if len(st.tried) != 2 || strings.HasSuffix(st.tried[1], ".m3u8") {
		t.Fatalf("unexpected transfer attempts: %v", st.tried)
	}
	joined := strings.Join(rec.reports, ",")
	if !strings.HasPrefix(joined, "extract:downloading") || !strings.Contains(joined, "primary-fetch:downloading") {
		t.Fatalf("unexpected reports: %s", joined)
	}
}

func TestBrowserStrategy_CancelStopsCandidates(t *testing.T) {
	ex := &stubExtractor{info: model.VideoInfo{CandidateURLs: []string{
		"https://cdn.example.com/a.mp4",
		"https://cdn.example.com/b.mp4",
	}}}
	st := &stubStreamer{fail: map[string]error{
		"https://cdn.example.com/a.mp4": failure.New(failure.KindCancelled, "cancelled"),
	}}
	_, err := browserFor(t, ex, st).Run(context.Background(), job("https://www.tiktok.com/@u/video/1"), Env{})
	if failure.KindOf(err) != failure.KindCancelled {
		t.Fatalf("expected cancelled, got %v", err)
	}
	if len(st.tried) != 1 {
		t.Fatalf("expected no further candidates after cancel, tried %v", st.tried)
	}
}

func TestBrowserStrategy_ExtractionFailureCarriesStrategy(t *testing.T) {
	ex := &stubExtractor{err: failure.New(failure.KindNoContentFound, "page exposed no media URLs")}
	_, err := browserFor(t, ex, &stubStreamer{}).Run(context.Background(), job("https://www.tiktok.com/@u/video/1"), Env{})
	fe := failure.From("", err)
	if fe.Kind != failure.KindNoContentFound || fe.Strategy != NameBrowser {
		t.Fatalf("unexpected failure: %+v", fe)
	}
}

func TestBrowserStrategy_OnlyManifests(t *testing.T) {
	ex := &stubExtractor{info: model.VideoInfo{CandidateURLs: []string{"https://cdn.example.com/x.m3u8"}}}
	_, err := browserFor(t, ex, &stubStreamer{}).Run(context.Background(), job("https://www.tiktok.com/@u/video/1"), Env{})
	if failure.KindOf(err) != failure.KindNoContentFound {
		t.Fatalf("expected no content, got %v", err)
	}
}

func TestCandidateExt(t *testing.T) {
	cases := map[string]string{
		"https://cdn.example.com/v.webm":                       "webm",
		"https://cdn.example.com/v/play/?mime_type=video_mp4":  "mp4",
		"https://cdn.example.com/v/play/?mime_type=video_webm": "webm",
		"https://cdn.example.com/v.MP4?x=1":                    "mp4",
	}
	for in, want := range cases {
		got, ok := candidateExt(in)
		if !ok || got != want {
			t.Fatalf("candidateExt(%s) = %s,%v want %s", in, got, ok, want)
		}
	}
	if _, ok := candidateExt("https://cdn.example.com/master.m3u8"); ok {
		t.Fatalf("manifest must be rejected")
	}
}

func TestBrowserStrategy_PassesCookieOptInToTransfer(t *testing.T) {
	for _, optIn := range []bool{false, true} {
		ex := &stubExtractor{info: model.VideoInfo{CandidateURLs: []string{"https://cdn.example.com/a.mp4"}}}
		st := &stubStreamer{}
		j := job("https://www.tiktok.com/@u/video/1")
		j.UseAuthCookies = optIn
		rec := &recorder{}
		if _, err := browserFor(t, ex, st).Run(context.Background(), j, rec.env()); err != nil {
			t.Fatal(err)
		}
		if len(st.auth) != 1 || st.auth[0] != optIn {
			t.Fatalf("useAuthCookies=%v: transfer saw %v", optIn, st.auth)
		}
	}
}
