package ytdlp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/alessio/shellescape"
)

const DefaultBinary = "yt-dlp"

type OutputStream string

const (
	StreamStdout OutputStream = "stdout"
	StreamStderr OutputStream = "stderr"
)

type Header struct {
	Name  string
	Value string
}

type DownloadOptions struct {
	Binary            string
	VideoURL          string
	OutputTemplate    string
	Format            string
	UserAgent         string
	Referer           string
	Headers           []Header
	Minimal           bool
	Fragments         int
	CookiesPath       string
	DownloadLimitMBps float64
	ProxyURL          string
	SocketTimeout     time.Duration
	LogWriter         io.Writer
	Logger            *slog.Logger
	Progress          func(stream OutputStream, line string)
}

type DownloadResult struct {
	Command []string
}

// RunError is the structured outcome of a failed fetch-tool run.
type RunError struct {
	ExitCode int
	Stderr   string
	Stdout   string
	Err      error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("yt-dlp failed: %v\n%s\n%s", e.Err, strings.TrimSpace(e.Stderr), strings.TrimSpace(e.Stdout))
}

func (e *RunError) Unwrap() error { return e.Err }

type DependencyReport struct {
	YTDLPFound  bool   `json:"yt_dlp_found"`
	YTDLPPath   string `json:"yt_dlp_path,omitempty"`
	FFmpegFound bool   `json:"ffmpeg_found"`
	FFmpegPath  string `json:"ffmpeg_path,omitempty"`
}

func DependencyStatus(binary string) DependencyReport {
	report := DependencyReport{}
	if path, err := exec.LookPath(binaryOrDefault(binary)); err == nil {
		report.YTDLPFound = true
		report.YTDLPPath = path
	}
	if path, err := exec.LookPath("ffmpeg"); err == nil {
		report.FFmpegFound = true
		report.FFmpegPath = path
	}
	return report
}

// BuildArgs renders the command line for opts without the binary name.
func BuildArgs(opts DownloadOptions) ([]string, error) {
	if strings.TrimSpace(opts.VideoURL) == "" {
		return nil, fmt.Errorf("video URL is required")
	}
	if strings.TrimSpace(opts.OutputTemplate) == "" {
		return nil, fmt.Errorf("output template is required")
	}
	if opts.Minimal {
		return []string{"--newline", "-o", opts.OutputTemplate, opts.VideoURL}, nil
	}

	fragments := opts.Fragments
	if fragments <= 0 {
		fragments = 4
	}
	args := []string{
		"--no-playlist",
		"--newline",
		"--restrict-filenames",
		"-N", fmt.Sprintf("%d", fragments),
		"-o", opts.OutputTemplate,
	}
	if f := strings.TrimSpace(opts.Format); f != "" {
		args = append(args, "-f", f)
		if strings.Contains(f, "+") {
			args = append(args, "--merge-output-format", "mp4")
		}
	}
	if ua := strings.TrimSpace(opts.UserAgent); ua != "" {
		args = append(args, "--user-agent", ua)
	}
	if ref := strings.TrimSpace(opts.Referer); ref != "" {
		args = append(args, "--referer", ref)
	}
	for _, h := range opts.Headers {
		if strings.TrimSpace(h.Name) == "" {
			continue
		}
		args = append(args, "--add-header", h.Name+":"+h.Value)
	}
	if strings.TrimSpace(opts.CookiesPath) != "" {
		cookiesPath, err := resolveCookiesPath(opts.CookiesPath)
		if err != nil {
			return nil, err
		}
		args = append(args, "--cookies", cookiesPath)
	}
	if opts.DownloadLimitMBps > 0 {
		args = append(args, "--limit-rate", formatRateLimitMBps(opts.DownloadLimitMBps))
	}
	if strings.TrimSpace(opts.ProxyURL) != "" {
		args = append(args, "--proxy", strings.TrimSpace(opts.ProxyURL))
	}
	if opts.SocketTimeout > 0 {
		args = append(args, "--socket-timeout", fmt.Sprintf("%d", int(opts.SocketTimeout.Seconds())))
	}
	args = append(args, opts.VideoURL)
	return args, nil
}

// Download runs the fetch tool until it exits or ctx is done. Cancelling ctx
// kills the subprocess.
func Download(ctx context.Context, opts DownloadOptions) (DownloadResult, error) {
	args, err := BuildArgs(opts)
	if err != nil {
		return DownloadResult{}, err
	}
	command := append([]string{binaryOrDefault(opts.Binary)}, args...)
	if err := runCommand(ctx, command, opts); err != nil {
		return DownloadResult{Command: command}, err
	}
	return DownloadResult{Command: command}, nil
}

// FormatFor maps a requested quality to a format selector.
func FormatFor(rawQuality string) string {
	quality := strings.ToLower(strings.TrimSpace(rawQuality))
	switch quality {
	case "", "best":
		return "bv*+ba/b"
	case "1080p", "1080", "hd":
		return "bv*[height<=1080]+ba/b[height<=1080]"
	case "720p", "720", "sd":
		return "bv*[height<=720]+ba/b[height<=720]"
	case "480p", "480", "small":
		return "bv*[height<=480]+ba/b[height<=480]"
	case "audio":
		return "ba/b"
	default:
		return "bv*+ba/b"
	}
}

func runCommand(ctx context.Context, command []string, opts DownloadOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("running fetch tool", slog.String("command", shellescape.QuoteCommand(command)))

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.WaitDelay = 5 * time.Second

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("setup stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("setup stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return &RunError{ExitCode: -1, Err: fmt.Errorf("start %s: %w", command[0], err)}
	}

	outBuf := tailBuffer{max: maxKeep}
	errBuf := tailBuffer{max: maxKeep}
	var mu sync.Mutex
	var wg sync.WaitGroup

	read := func(stream OutputStream, r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		scanner.Split(splitByNewlineOrCR)
		for scanner.Scan() {
			line := scanner.Text()
			mu.Lock()
			appendLimited(&outBuf, &errBuf, stream, line)
			if opts.LogWriter != nil {
				_, _ = io.WriteString(opts.LogWriter, line+"\n")
			}
			mu.Unlock()

			if opts.Progress != nil {
				opts.Progress(stream, line)
			}
		}
	}

	wg.Add(2)
	go read(StreamStdout, stdoutPipe)
	go read(StreamStderr, stderrPipe)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		mu.Lock()
		defer mu.Unlock()
		runErr := &RunError{
			ExitCode: -1,
			Stderr:   errBuf.String(),
			Stdout:   outBuf.String(),
			Err:      err,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			runErr.ExitCode = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			runErr.Err = ctxErr
		}
		return runErr
	}
	return nil
}

func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

const maxKeep = 8192

// tailBuffer keeps the last max bytes of output, trimmed to a line boundary
// when one is available. The fetch tool prints its ERROR line last.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) writeLine(line string) {
	t.buf = append(t.buf, line...)
	t.buf = append(t.buf, '\n')
	over := len(t.buf) - t.max
	if over <= 0 {
		return
	}
	cut := over
	if i := bytes.IndexByte(t.buf[over:], '\n'); i >= 0 && over+i+1 < len(t.buf) {
		cut = over + i + 1
	}
	t.buf = append(t.buf[:0], t.buf[cut:]...)
}

func (t *tailBuffer) String() string { return string(t.buf) }

func appendLimited(outBuf, errBuf *tailBuffer, stream OutputStream, line string) {
	b := outBuf
	if stream == StreamStderr {
		b = errBuf
	}
	b.writeLine(line)
}

func formatRateLimitMBps(v float64) string {
	return fmt.Sprintf("%gM", v)
}

func binaryOrDefault(bin string) string {
	if b := strings.TrimSpace(bin); b != "" {
		return b
	}
	return DefaultBinary
}

func resolveCookiesPath(path string) (string, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return "", nil
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve cookies path %s: %w", p, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("cookies file %s: %w", abs, err)
	}
	return abs, nil
}
