package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/shirou/gopsutil/v3/mem"
)

const mediaElementsJS = `() => JSON.stringify(Array.from(document.querySelectorAll('video')).map(v => ({
	src: v.currentSrc || v.src || '',
	sources: Array.from(v.querySelectorAll('source')).map(s => s.src).filter(Boolean),
	width: v.videoWidth || v.clientWidth || 0,
	height: v.videoHeight || v.clientHeight || 0,
	duration: isFinite(v.duration) ? v.duration : 0,
})))`

type rodBackend struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	cookies  []*http.Cookie
	ua       string
}

func rodLauncher(opts Options) launchFunc {
	return func(ctx context.Context) (backend, error) {
		if err := checkMemory(opts.MinFreeMemoryMB); err != nil {
			return nil, err
		}
		l := launcher.New().
			Context(ctx).
			Headless(opts.Headless).
			Set("lang", "en-US").
			Set("disable-blink-features", "AutomationControlled").
			Set("mute-audio").
			Set("autoplay-policy", "no-user-gesture-required")
		if bin := strings.TrimSpace(opts.Bin); bin != "" {
			l = l.Bin(bin)
		} else if path, ok := launcher.LookPath(); ok {
			l = l.Bin(path)
		}
		if p := strings.TrimSpace(opts.ProxyURL); p != "" {
			l = l.Proxy(p)
		}
		controlURL, err := l.Launch()
		if err != nil {
			return nil, err
		}
		b := rod.New().ControlURL(controlURL)
		if err := b.Connect(); err != nil {
			l.Kill()
			return nil, fmt.Errorf("connect to browser: %w", err)
		}
		return &rodBackend{launcher: l, browser: b, cookies: opts.Cookies, ua: opts.UserAgent}, nil
	}
}

// LookPath finds the browser binary the launcher would use.
func LookPath(bin string) (string, bool) {
	if b := strings.TrimSpace(bin); b != "" {
		path, err := exec.LookPath(b)
		return path, err == nil
	}
	return launcher.LookPath()
}

func checkMemory(minFreeMB uint64) error {
	if minFreeMB == 0 {
		return nil
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil
	}
	if free := vm.Available / (1024 * 1024); free < minFreeMB {
		return fmt.Errorf("not enough free memory to start a browser: %d MB available, %d MB required", free, minFreeMB)
	}
	return nil
}

func (b *rodBackend) NewContext(ctx context.Context, withCookies bool) (pageSource, error) {
	inc, err := b.browser.Context(ctx).Incognito()
	if err != nil {
		return nil, err
	}
	inc = inc.Context(context.Background())
	if withCookies && len(b.cookies) > 0 {
		if err := inc.SetCookies(cookieParams(b.cookies)); err != nil {
			return nil, fmt.Errorf("load cookies into browser: %w", err)
		}
	}
	return &rodSource{browser: inc, ua: b.ua}, nil
}

func (b *rodBackend) Close() error {
	err := b.browser.Close()
	b.launcher.Kill()
	return err
}

func cookieParams(list []*http.Cookie) []*proto.NetworkCookieParam {
	out := make([]*proto.NetworkCookieParam, 0, len(list))
	for _, c := range list {
		p := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		}
		if !c.Expires.IsZero() {
			p.Expires = proto.TimeSinceEpoch(c.Expires.Unix())
		}
		out = append(out, p)
	}
	return out
}

type rodSource struct {
	browser *rod.Browser
	ua      string
}

func (s *rodSource) NewPage(ctx context.Context) (pageDriver, error) {
	page, err := s.browser.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, err
	}
	page = page.Context(context.Background())
	if s.ua != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: s.ua}); err != nil {
			_ = page.Close()
			return nil, err
		}
	}

	evCtx, stop := context.WithCancel(context.Background())
	rp := &rodPage{page: page, stopEvents: stop}
	if err := (proto.NetworkEnable{}).Call(page); err == nil {
		wait := page.Context(evCtx).EachEvent(func(e *proto.NetworkResponseReceived) {
			if e.Response == nil {
				return
			}
			if e.Type == proto.NetworkResourceTypeMedia || strings.HasPrefix(e.Response.MIMEType, "video/") {
				rp.addNetwork(e.Response.URL)
			}
		})
		go wait()
	}
	return rp, nil
}

type rodPage struct {
	page       *rod.Page
	stopEvents context.CancelFunc
	closeOnce  sync.Once
	closeErr   error

	mu      sync.Mutex
	network []string
}

func (p *rodPage) addNetwork(u string) {
	if !isFetchable(u) {
		return
	}
	p.mu.Lock()
	p.network = append(p.network, u)
	p.mu.Unlock()
}

func (p *rodPage) bounded(ctx context.Context, timeout time.Duration) (*rod.Page, context.Context, context.CancelFunc) {
	c, cancel := context.WithTimeout(ctx, timeout)
	return p.page.Context(c), c, cancel
}

func boundedErr(parent, bounded context.Context, err error) error {
	if perr := parent.Err(); perr != nil {
		return perr
	}
	if bounded.Err() != nil {
		return errWaitTimeout
	}
	return err
}

func (p *rodPage) Navigate(ctx context.Context, url string, mode WaitMode, timeout time.Duration) error {
	pg, bctx, cancel := p.bounded(ctx, timeout)
	defer cancel()
	var wait func()
	if mode == WaitNetworkSettled {
		wait = pg.WaitRequestIdle(700*time.Millisecond, nil, nil, nil)
	} else {
		wait = pg.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
	}
	if err := pg.Navigate(url); err != nil {
		return boundedErr(ctx, bctx, err)
	}
	wait()
	return boundedErr(ctx, bctx, nil)
}

func (p *rodPage) WaitSettled(ctx context.Context, timeout time.Duration) error {
	pg, bctx, cancel := p.bounded(ctx, timeout)
	defer cancel()
	pg.WaitRequestIdle(700*time.Millisecond, nil, nil, nil)()
	return boundedErr(ctx, bctx, nil)
}

func (p *rodPage) ClickSelector(ctx context.Context, selector string, timeout time.Duration) (bool, error) {
	pg, bctx, cancel := p.bounded(ctx, timeout)
	defer cancel()
	has, el, err := pg.Has(selector)
	if err != nil {
		return false, boundedErr(ctx, bctx, err)
	}
	if !has {
		return false, nil
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return false, boundedErr(ctx, bctx, err)
	}
	return true, nil
}

func (p *rodPage) ClickAt(ctx context.Context, x, y float64) error {
	pg := p.page.Context(ctx)
	if err := pg.Mouse.MoveTo(proto.Point{X: x, Y: y}); err != nil {
		return err
	}
	return pg.Mouse.Click(proto.InputMouseButtonLeft, 1)
}

func (p *rodPage) PressEscape(ctx context.Context) error {
	return p.page.Context(ctx).Keyboard.Press(input.Escape)
}

func (p *rodPage) WaitAny(ctx context.Context, selectors []string, timeout time.Duration) (string, error) {
	if len(selectors) == 0 {
		return "", fmt.Errorf("no media selectors configured")
	}
	pg, bctx, cancel := p.bounded(ctx, timeout)
	defer cancel()
	var matched string
	race := pg.Race()
	for _, sel := range selectors {
		race = race.Element(sel).Handle(func(*rod.Element) error {
			matched = sel
			return nil
		})
	}
	if _, err := race.Do(); err != nil {
		return "", boundedErr(ctx, bctx, err)
	}
	return matched, nil
}

func (p *rodPage) MediaElements(ctx context.Context) ([]MediaElement, error) {
	obj, err := p.page.Context(ctx).Eval(mediaElementsJS)
	if err != nil {
		return nil, err
	}
	var out []MediaElement
	if err := json.Unmarshal([]byte(obj.Value.Str()), &out); err != nil {
		return nil, fmt.Errorf("decode media elements: %w", err)
	}
	return out, nil
}

func (p *rodPage) NetworkMedia() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.network...)
}

func (p *rodPage) HTML(ctx context.Context) (string, error) {
	return p.page.Context(ctx).HTML()
}

func (p *rodPage) Title(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

func (p *rodPage) Close() error {
	p.closeOnce.Do(func() {
		p.stopEvents()
		p.closeErr = p.page.Close()
	})
	return p.closeErr
}
