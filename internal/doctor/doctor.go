package doctor

import (
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/mem"

	"clip-acquirer/internal/browser"
	"clip-acquirer/internal/cookies"
	"clip-acquirer/internal/mediastore"
	"clip-acquirer/internal/ytdlp"
)

type Options struct {
	OutputDir      string
	YTDLPBinary    string
	BrowserEnabled bool
	BrowserBin     string
	CookiesFile    string
	MinFreeMemMB   uint64
}

type Result struct {
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks"`
}

// Check is one probe. Optional checks report problems without failing the
// overall result.
type Check struct {
	Name     string `json:"name"`
	OK       bool   `json:"ok"`
	Optional bool   `json:"optional,omitempty"`
	Message  string `json:"message"`
}

// Probe hooks are swapped in tests.
var (
	lookBrowser   = browser.LookPath
	virtualMemory = mem.VirtualMemory
)

func Run(opts Options) Result {
	checks := make([]Check, 0, 6)
	dep := ytdlp.DependencyStatus(opts.YTDLPBinary)
	checks = append(checks, Check{
		Name:    "dependency:yt-dlp",
		OK:      dep.YTDLPFound,
		Message: dependencyMessage(dep.YTDLPFound, dep.YTDLPPath, "yt-dlp"),
	})
	checks = append(checks, Check{
		Name:     "dependency:ffmpeg",
		OK:       dep.FFmpegFound,
		Optional: true,
		Message:  dependencyMessage(dep.FFmpegFound, dep.FFmpegPath, "ffmpeg") + " (needed to merge separate video and audio)",
	})

	if opts.BrowserEnabled {
		path, found := lookBrowser(opts.BrowserBin)
		msg := dependencyMessage(found, path, "chromium")
		if !found && strings.TrimSpace(opts.BrowserBin) == "" {
			msg = "no local chromium found; one is downloaded on first browser extraction"
		}
		checks = append(checks, Check{Name: "dependency:browser", OK: found, Optional: true, Message: msg})
	}

	dirOK, dirMessage := ensureWritableDir(opts.OutputDir)
	checks = append(checks, Check{Name: "directory:output", OK: dirOK, Message: dirMessage})

	if f := strings.TrimSpace(opts.CookiesFile); f != "" {
		list, err := cookies.LoadNetscape(f)
		c := Check{Name: "file:cookies", OK: err == nil, Optional: true}
		if err != nil {
			c.Message = err.Error()
		} else {
			c.Message = fmt.Sprintf("%d cookies loaded", len(list))
		}
		checks = append(checks, c)
	}

	checks = append(checks, memoryCheck(opts.MinFreeMemMB))

	ok := true
	for _, c := range checks {
		if !c.OK && !c.Optional {
			ok = false
			break
		}
	}
	return Result{OK: ok, Checks: checks}
}

func memoryCheck(minFreeMB uint64) Check {
	vm, err := virtualMemory()
	if err != nil {
		return Check{Name: "host:memory", OK: true, Optional: true, Message: "memory stats unavailable: " + err.Error()}
	}
	c := Check{
		Name:     "host:memory",
		OK:       true,
		Optional: true,
		Message:  fmt.Sprintf("%s available of %s", humanize.IBytes(vm.Available), humanize.IBytes(vm.Total)),
	}
	if minFreeMB > 0 && vm.Available/(1024*1024) < minFreeMB {
		c.OK = false
		c.Message += fmt.Sprintf("; browser launches need %d MiB", minFreeMB)
	}
	return c
}

func dependencyMessage(ok bool, path, name string) string {
	if ok {
		return name + " found at " + path
	}
	return name + " not found on PATH"
}

func ensureWritableDir(path string) (bool, string) {
	if strings.TrimSpace(path) == "" {
		return false, "empty path"
	}
	if err := mediastore.Mkdir(path); err != nil {
		return false, err.Error()
	}
	f, err := os.CreateTemp(path, "clip-acquirer-check-*.tmp")
	if err != nil {
		return false, err.Error()
	}
	_ = f.Close()
	_ = os.Remove(f.Name())
	return true, "writable"
}
