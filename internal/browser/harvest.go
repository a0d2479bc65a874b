package browser

import (
	"bytes"
	"encoding/json"
	"maps"
	"net/url"
	"path"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// Where a candidate came from, in harvesting priority order.
const (
	sourceElement = iota
	sourceNetwork
	sourceState
	sourceMarkup
)

type candidate struct {
	url         string
	source      int
	order       int
	watermarked bool
}

// MediaElement is what the page reports about a native media element.
type MediaElement struct {
	Src      string   `json:"src"`
	Sources  []string `json:"sources"`
	Width    int      `json:"width"`
	Height   int      `json:"height"`
	Duration float64  `json:"duration"`
}

// pageState is the metadata found next to media URLs in embedded JSON.
type pageState struct {
	title    string
	width    int
	height   int
	duration float64
	cands    []candidate
}

var (
	nonContentHints = []string{
		"login",
		"background",
		"intro",
		"loop",
		"bg-video",
		"placeholder",
	}
	watermarkHints = []string{
		"watermark=1",
		"/playwm/",
		"_wm.",
		"/wm/",
		"logo_type=",
	}

	reMarkupMedia = regexp.MustCompile(`https?://[^\s"'<>\\]+?\.(?:mp4|webm|m3u8)(?:\?[^\s"'<>\\]*)?`)
	reQuality     = regexp.MustCompile(`(?:^|[^0-9])([0-9]{3,4})p(?:[^a-z]|$)`)
	reHeightParam = regexp.MustCompile(`[?&](?:height|h)=([0-9]{3,4})`)

	stateScriptIDs = map[string]bool{
		"__UNIVERSAL_DATA_FOR_REHYDRATION__": true,
		"SIGI_STATE":                         true,
		"__NEXT_DATA__":                      true,
		"RENDER_DATA":                        true,
	}
	stateAssignMarkers = [][]byte{
		[]byte("window.__INITIAL_STATE__"),
		[]byte("window._sharedData"),
		[]byte("window.__additionalDataLoaded"),
	}

	// Keys whose values hold media URLs. Values of watermarked keys are
	// ranked last.
	mediaKeys = map[string]bool{
		"playAddr":       false,
		"play_addr":      false,
		"playApi":        false,
		"video_url":      false,
		"videoUrl":       false,
		"contentUrl":     false,
		"video_versions": false,
		"playbackUrl":    false,
		"downloadAddr":   true,
		"download_addr":  true,
	}
)

// filterElementSources drops blob/data URLs and known decorative loops.
func filterElementSources(elements []MediaElement) []string {
	out := make([]string, 0, len(elements))
	for _, el := range elements {
		for _, src := range append([]string{el.Src}, el.Sources...) {
			if !isFetchable(src) || isNonContent(src) {
				continue
			}
			out = append(out, src)
		}
	}
	return out
}

func isFetchable(raw string) bool {
	s := strings.TrimSpace(raw)
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func isNonContent(raw string) bool {
	u, err := url.Parse(raw)
	target := strings.ToLower(raw)
	if err == nil {
		target = strings.ToLower(u.Path)
	}
	for _, h := range nonContentHints {
		if strings.Contains(target, h) {
			return true
		}
	}
	return false
}

func isWatermarked(raw string) bool {
	l := strings.ToLower(raw)
	for _, h := range watermarkHints {
		if strings.Contains(l, h) {
			return true
		}
	}
	return false
}

// unescapeMarkup undoes the JSON and entity escaping commonly found around
// URLs embedded in page markup.
func unescapeMarkup(s string) string {
	r := strings.NewReplacer(`\u002F`, "/", `\u002f`, "/", `\/`, "/", `\u0026`, "&", "&amp;", "&")
	return r.Replace(s)
}

// scanMarkup finds literal media-file URLs in rendered HTML.
func scanMarkup(markup string) []string {
	matches := reMarkupMedia.FindAllString(unescapeMarkup(markup), -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if !isNonContent(m) {
			out = append(out, m)
		}
	}
	return out
}

// extractPageState walks embedded JSON documents in markup looking for media
// URL fields.
func extractPageState(markup string) pageState {
	var st pageState
	for _, doc := range stateDocuments([]byte(markup)) {
		var v any
		dec := json.NewDecoder(bytes.NewReader(doc))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			continue
		}
		walkState(v, "", false, &st)
	}
	return st
}

func stateDocuments(data []byte) [][]byte {
	var docs [][]byte
	tokenizer := html.NewTokenizer(bytes.NewReader(data))
	inScript := false
	jsonScript := false
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return docs
		case html.StartTagToken:
			tn, hasAttr := tokenizer.TagName()
			inScript = string(tn) == "script"
			jsonScript = false
			for inScript && hasAttr {
				var key, val []byte
				key, val, hasAttr = tokenizer.TagAttr()
				switch string(key) {
				case "id":
					if stateScriptIDs[string(val)] {
						jsonScript = true
					}
				case "type":
					if bytes.Contains(val, []byte("json")) {
						jsonScript = true
					}
				}
			}
		case html.EndTagToken:
			inScript = false
		case html.TextToken:
			if !inScript {
				continue
			}
			text := bytes.TrimSpace(tokenizer.Text())
			if jsonScript {
				docs = append(docs, append([]byte(nil), text...))
				continue
			}
			for _, marker := range stateAssignMarkers {
				idx := bytes.Index(text, marker)
				if idx < 0 {
					continue
				}
				start := bytes.IndexAny(text[idx:], "{[")
				if start >= 0 {
					docs = append(docs, append([]byte(nil), text[idx+start:]...))
				}
			}
		}
	}
}

func walkState(v any, key string, watermarked bool, st *pageState) {
	switch t := v.(type) {
	case map[string]any:
		noteMetadata(t, st)
		// Sorted so ties in ranking resolve the same way on every run.
		for _, k := range slices.Sorted(maps.Keys(t)) {
			child := t[k]
			if wm, ok := mediaKeys[k]; ok {
				collectURLs(child, wm, st)
				continue
			}
			walkState(child, k, watermarked, st)
		}
	case []any:
		for _, child := range t {
			walkState(child, key, watermarked, st)
		}
	}
}

func collectURLs(v any, watermarked bool, st *pageState) {
	switch t := v.(type) {
	case string:
		u := unescapeMarkup(t)
		if isFetchable(u) {
			st.cands = append(st.cands, candidate{url: u, source: sourceState, order: len(st.cands), watermarked: watermarked || isWatermarked(u)})
		}
	case []any:
		for _, child := range t {
			collectURLs(child, watermarked, st)
		}
	case map[string]any:
		noteMetadata(t, st)
		for _, k := range []string{"url_list", "UrlList", "urlList", "url", "src", "uri"} {
			if child, ok := t[k]; ok {
				collectURLs(child, watermarked, st)
			}
		}
	}
}

func noteMetadata(obj map[string]any, st *pageState) {
	if st.width == 0 {
		st.width = jsonInt(obj["width"])
	}
	if st.height == 0 {
		st.height = jsonInt(obj["height"])
	}
	if st.duration == 0 {
		st.duration = jsonFloat(obj["duration"])
	}
	if st.title == "" {
		for _, k := range []string{"desc", "title"} {
			if s, ok := obj[k].(string); ok && strings.TrimSpace(s) != "" {
				st.title = strings.TrimSpace(s)
				break
			}
		}
	}
}

func jsonInt(v any) int {
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
		if f, err := n.Float64(); err == nil {
			return int(f)
		}
	}
	return 0
}

func jsonFloat(v any) float64 {
	if n, ok := v.(json.Number); ok {
		if f, err := n.Float64(); err == nil {
			return f
		}
	}
	return 0
}

// containerRank orders formats by preference: mp4, webm, m3u8, unknown.
func containerRank(raw string) int {
	u, err := url.Parse(raw)
	if err != nil {
		return 3
	}
	ext := strings.ToLower(path.Ext(u.Path))
	mime := strings.ToLower(u.Query().Get("mime_type"))
	switch {
	case ext == ".mp4" || ext == ".m4v" || mime == "video_mp4":
		return 0
	case ext == ".webm" || mime == "video_webm":
		return 1
	case ext == ".m3u8":
		return 2
	default:
		return 3
	}
}

// qualityMarker returns the vertical resolution named in the URL, or 0.
func qualityMarker(raw string) int {
	l := strings.ToLower(raw)
	if m := reHeightParam.FindStringSubmatch(l); len(m) > 1 {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n
		}
	}
	if m := reQuality.FindStringSubmatch(l); len(m) > 1 {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n
		}
	}
	return 0
}

// rankCandidates dedupes and orders candidate URLs: unwatermarked first, then
// container preference, then quality marker, then harvesting order.
func rankCandidates(cands []candidate) []string {
	seen := map[string]int{}
	uniq := make([]candidate, 0, len(cands))
	for _, c := range cands {
		key := strings.TrimSpace(c.url)
		if key == "" {
			continue
		}
		c.url = key
		c.watermarked = c.watermarked || isWatermarked(key)
		if i, ok := seen[key]; ok {
			uniq[i].watermarked = uniq[i].watermarked && c.watermarked
			continue
		}
		seen[key] = len(uniq)
		uniq = append(uniq, c)
	}
	sort.SliceStable(uniq, func(i, j int) bool {
		a, b := uniq[i], uniq[j]
		if a.watermarked != b.watermarked {
			return !a.watermarked
		}
		if ra, rb := containerRank(a.url), containerRank(b.url); ra != rb {
			return ra < rb
		}
		if qa, qb := qualityMarker(a.url), qualityMarker(b.url); qa != qb {
			return qa > qb
		}
		if a.source != b.source {
			return a.source < b.source
		}
		return a.order < b.order
	})
	out := make([]string, 0, len(uniq))
	for _, c := range uniq {
		out = append(out, c.url)
	}
	return out
}
