package strategy

import (
	"context"
	"testing"
	"time"

	"clip-acquirer/internal/browser"
	"clip-acquirer/internal/mediastore"
	"clip-acquirer/internal/model"
	"clip-acquirer/internal/transfer"
)

type nopExtractor struct{}

func (nopExtractor) Extract(context.Context, browser.Request) (model.VideoInfo, error) {
	return model.VideoInfo{}, nil
}

type nopStreamer struct{}

func (nopStreamer) Stream(context.Context, transfer.Request) error { return nil }

func newMedia(t *testing.T) *mediastore.Store {
	t.Helper()
	m, err := mediastore.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func names(list []Strategy) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		out = append(out, s.Name())
	}
	return out
}

func job(url string) *model.DownloadJob {
	return model.NewDownloadJob(model.Request{ResourceID: "v1", URL: url}, time.Now())
}

func TestPlan_ChainsPerSource(t *testing.T) {
	withBrowser := NewPlanner(Deps{Media: newMedia(t), Browser: nopExtractor{}, Transfer: nopStreamer{}})
	withoutBrowser := NewPlanner(Deps{Media: newMedia(t)})

	cases := []struct {
		planner *Planner
		url     string
		want    []string
	}{
		{withBrowser, "https://vm.tiktok.com/ZM1/", []string{NamePrimary, NameAlternate, NameShortURL, NameMinimal, NameBrowser}},
		{withBrowser, "https://www.tiktok.com/@u/video/1", []string{NamePrimary, NameAlternate, NameMinimal, NameBrowser}},
		{withBrowser, "https://www.youtube.com/shorts/abc", []string{NamePrimary, NameAlternate, NameMinimal}},
		{withBrowser, "https://example.com/watch/1", []string{NamePrimary, NameMinimal, NameBrowser}},
		{withoutBrowser, "https://example.com/watch/1", []string{NamePrimary, NameMinimal}},
	}
	for _, tc := range cases {
		list, err := tc.planner.Plan(job(tc.url))
		if err != nil {
			t.Fatal(err)
		}
		got := names(list)
		if len(got) != len(tc.want) {
			t.Fatalf("%s: got %v want %v", tc.url, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("%s: got %v want %v", tc.url, got, tc.want)
			}
		}
	}
}

func TestPlan_InvalidURL(t *testing.T) {
	p := NewPlanner(Deps{Media: newMedia(t)})
	if _, err := p.Plan(job("file:///etc/passwd")); err == nil {
		t.Fatalf("expected invalid URL error")
	}
}
