package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"clip-acquirer/internal/config"
	"clip-acquirer/internal/failure"
	"clip-acquirer/internal/model"
)

type acquireReport struct {
	ResourceID   string `json:"resourceId"`
	Path         string `json:"path,omitempty"`
	StrategyUsed string `json:"strategyUsed,omitempty"`
	Cached       bool   `json:"cached,omitempty"`
	SizeBytes    int64  `json:"size_bytes,omitempty"`
	Error        string `json:"error,omitempty"`
	Kind         string `json:"kind,omitempty"`
}

func newAcquireCmd(a *app) *cobra.Command {
	var (
		id            string
		quality       string
		useAuth       bool
		jsonOut       bool
		maxConcurrent int
	)
	cmd := &cobra.Command{
		Use:   "acquire <url>",
		Short: "Acquire one video in-process and show its progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			cfg := a.cfg
			if maxConcurrent > 0 {
				cfg.MaxConcurrent = maxConcurrent
			}
			req := model.Request{
				ResourceID:     strings.TrimSpace(id),
				URL:            args[0],
				Quality:        quality,
				UseAuthCookies: useAuth,
			}
			if req.ResourceID == "" {
				req.ResourceID = uuid.NewString()
			}
			return runAcquire(ctx, a, cfg, req, jsonOut)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "resource id (default: random UUID)")
	cmd.Flags().StringVar(&quality, "quality", "best", "quality: best|1080p|720p|480p|audio")
	cmd.Flags().BoolVar(&useAuth, "auth-cookies", false, "send the configured cookies")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print JSON output")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "override max_concurrent")
	return cmd
}

func runAcquire(ctx context.Context, a *app, cfg config.Config, req model.Request, jsonOut bool) error {
	interactive := !jsonOut && isTerminal(a.stdout)

	var (
		mu      sync.Mutex
		program *tea.Program
		lastKey string
	)
	pub := publishFunc(func(rec model.ProgressRecord) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case program != nil:
			program.Send(recordMsg(rec))
		case !jsonOut:
			key := fmt.Sprintf("%s/%d/%s", rec.Status, rec.Progress, rec.Phase)
			if key != lastKey {
				lastKey = key
				fmt.Fprintln(a.stdout, plainLine(rec))
			}
		}
	})

	rt, err := newRuntime(cfg, a.logger, runtimeOptions{Publisher: pub})
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	if !interactive {
		res, err := rt.orch.Acquire(ctx, req)
		return reportAcquire(a.stdout, req.ResourceID, res, err, jsonOut)
	}

	mu.Lock()
	program = tea.NewProgram(newProgressModel("clip-acquirer "+req.URL, req.ResourceID), tea.WithOutput(a.stdout), tea.WithContext(ctx))
	mu.Unlock()

	type outcome struct {
		res model.Result
		err error
	}
	results := make(chan outcome, 1)
	go func() {
		res, err := rt.orch.Acquire(ctx, req)
		results <- outcome{res, err}
		program.Send(finishedMsg{summary: acquireSummary(res), err: userError(err)})
	}()

	final, runErr := program.Run()
	if m, ok := final.(progressModel); ok && m.aborted {
		rt.orch.Cancel(req.ResourceID)
	}
	var out outcome
	select {
	case out = <-results:
	case <-time.After(shutdownTimeout):
		return errors.New("acquisition did not stop after cancel")
	}
	if runErr != nil && !errors.Is(runErr, tea.ErrProgramKilled) && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	if out.err != nil {
		return userError(out.err)
	}
	return nil
}

func reportAcquire(w io.Writer, id string, res model.Result, err error, jsonOut bool) error {
	if jsonOut {
		rep := acquireReport{ResourceID: id}
		if err != nil {
			rep.Error = userError(err).Error()
			rep.Kind = string(failure.KindOf(err))
		} else {
			rep.Path = res.Path
			rep.StrategyUsed = res.StrategyUsed
			rep.Cached = res.Cached
			rep.SizeBytes = fileSize(res.Path)
		}
		if perr := printJSON(w, rep); perr != nil {
			return perr
		}
		return userError(err)
	}
	if err != nil {
		return userError(err)
	}
	fmt.Fprintln(w, acquireSummary(res))
	return nil
}

func acquireSummary(res model.Result) string {
	if res.Path == "" {
		return ""
	}
	via := res.StrategyUsed
	if res.Cached {
		via = "cache"
	}
	return fmt.Sprintf("saved %s (%s) via %s", res.Path, formatBytes(fileSize(res.Path)), via)
}

// userError prefers the aggregated user message over the raw chain.
func userError(err error) error {
	if err == nil {
		return nil
	}
	var agg *failure.AcquireError
	if errors.As(err, &agg) {
		return errors.New(agg.UserMessage())
	}
	return err
}
