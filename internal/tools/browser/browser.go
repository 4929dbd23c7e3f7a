// Package browser is a headless-Chrome tool provider. Every invocation
// runs in a fresh tab against a shared browser process, so page state
// never leaks between conversations; the conversation's last visited
// URL is kept in tool state and reused when a call omits the url.
package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"

	"github.com/warren-ai/warren/internal/tools"
)

const (
	providerName = "browser"
	browserTool  = "browser"

	// DefaultMaxTabs bounds concurrent tabs across all conversations.
	DefaultMaxTabs = 4
	// DefaultTimeout bounds one browser action, navigation included.
	DefaultTimeout = 30 * time.Second

	viewportWidth  = 1280
	viewportHeight = 800
)

const inputSchema = `{
	"type": "object",
	"properties": {
		"action": {
			"type": "string",
			"enum": ["navigate", "text", "html", "screenshot", "eval"],
			"description": "Browser action to perform"
		},
		"url": {
			"type": "string",
			"description": "Page to load. Defaults to the conversation's last visited page."
		},
		"selector": {
			"type": "string",
			"description": "CSS selector scoping text and html extraction. Defaults to the whole page."
		},
		"script": {
			"type": "string",
			"description": "JavaScript expression to evaluate (eval action)."
		},
		"full_page": {
			"type": "boolean",
			"description": "Capture the full page height instead of the viewport (screenshot action)."
		}
	},
	"required": ["action"],
	"additionalProperties": false
}`

// Config tunes the provider. Zero fields fall back to defaults.
type Config struct {
	MaxTabs int
	Timeout time.Duration
}

// Provider implements tools.Provider with a single browser tool. The
// Chrome process is launched lazily on the first call and shut down by
// Close.
type Provider struct {
	cfg    Config
	logger *slog.Logger

	tabs chan struct{}

	mu        sync.Mutex
	allocCtx  context.Context
	allocStop context.CancelFunc

	// runTasks is swapped in tests to avoid launching Chrome.
	runTasks func(ctx context.Context, tasks chromedp.Tasks) error
}

// New returns the browser provider. Chrome is not touched until the
// first invocation.
func New(cfg Config, logger *slog.Logger) *Provider {
	if cfg.MaxTabs <= 0 {
		cfg.MaxTabs = DefaultMaxTabs
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{
		cfg:    cfg,
		logger: logger.With("component", "browser"),
		tabs:   make(chan struct{}, cfg.MaxTabs),
	}
	p.runTasks = p.runChrome
	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Declare() ([]*tools.Tool, map[string]any, map[string]any, error) {
	declared := []*tools.Tool{
		{
			ID:          browserTool,
			Name:        "Browser",
			Description: "Load web pages in a headless browser: navigate, extract text or HTML, capture screenshots, and evaluate JavaScript.",
			RawSchema:   json.RawMessage(inputSchema),
		},
	}
	globalState := map[string]any{"page_loads": float64(0)}
	template := map[string]any{"last_url": ""}
	return declared, globalState, template, nil
}

func (p *Provider) Invoke(ctx context.Context, toolID string, args map[string]any, convState, globalState map[string]any) (any, error) {
	if toolID != browserTool {
		return nil, fmt.Errorf("unexpected tool id %s", toolID)
	}
	action, _ := args["action"].(string)
	url, _ := args["url"].(string)
	if url == "" {
		url, _ = convState["last_url"].(string)
	}
	if url == "" {
		return nil, fmt.Errorf("url is required: this conversation has not visited a page yet")
	}

	if err := p.acquireTab(ctx); err != nil {
		return nil, err
	}
	defer p.releaseTab()

	var out any
	var err error
	switch action {
	case "navigate":
		out, err = p.navigate(ctx, url)
	case "text":
		selector, _ := args["selector"].(string)
		out, err = p.extractText(ctx, url, selector)
	case "html":
		selector, _ := args["selector"].(string)
		out, err = p.extractHTML(ctx, url, selector)
	case "screenshot":
		fullPage, _ := args["full_page"].(bool)
		out, err = p.screenshot(ctx, url, fullPage)
	case "eval":
		script, _ := args["script"].(string)
		if script == "" {
			return nil, fmt.Errorf("script is required for the eval action")
		}
		out, err = p.evaluate(ctx, url, script)
	default:
		return nil, fmt.Errorf("unknown action %q", action)
	}
	if err != nil {
		return nil, err
	}

	loads, _ := globalState["page_loads"].(float64)
	globalState["page_loads"] = loads + 1
	convState["last_url"] = url
	return out, nil
}

// Close tears down the shared Chrome process. Safe to call without a
// prior invocation and more than once.
func (p *Provider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.allocStop != nil {
		p.allocStop()
		p.allocCtx, p.allocStop = nil, nil
		p.logger.Info("browser shut down")
	}
}

func (p *Provider) navigate(ctx context.Context, url string) (any, error) {
	var title, location string
	err := p.runTasks(ctx, chromedp.Tasks{
		chromedp.Navigate(url),
		chromedp.Title(&title),
		chromedp.Location(&location),
	})
	if err != nil {
		return nil, fmt.Errorf("navigate %s: %w", url, err)
	}
	return map[string]any{"url": location, "title": title}, nil
}

func (p *Provider) extractText(ctx context.Context, url, selector string) (any, error) {
	if selector == "" {
		selector = "body"
	}
	var text string
	err := p.runTasks(ctx, chromedp.Tasks{
		chromedp.Navigate(url),
		chromedp.Text(selector, &text, chromedp.ByQuery),
	})
	if err != nil {
		return nil, fmt.Errorf("extract text from %s: %w", url, err)
	}
	return text, nil
}

func (p *Provider) extractHTML(ctx context.Context, url, selector string) (any, error) {
	if selector == "" {
		selector = "html"
	}
	var html string
	err := p.runTasks(ctx, chromedp.Tasks{
		chromedp.Navigate(url),
		chromedp.OuterHTML(selector, &html, chromedp.ByQuery),
	})
	if err != nil {
		return nil, fmt.Errorf("extract html from %s: %w", url, err)
	}
	return html, nil
}

func (p *Provider) screenshot(ctx context.Context, url string, fullPage bool) (any, error) {
	var buf []byte
	tasks := chromedp.Tasks{
		emulation.SetDeviceMetricsOverride(viewportWidth, viewportHeight, 1, false),
		chromedp.Navigate(url),
	}
	if fullPage {
		tasks = append(tasks, chromedp.FullScreenshot(&buf, 100))
	} else {
		tasks = append(tasks, chromedp.CaptureScreenshot(&buf))
	}
	if err := p.runTasks(ctx, tasks); err != nil {
		return nil, fmt.Errorf("screenshot %s: %w", url, err)
	}
	if len(buf) == 0 {
		return nil, fmt.Errorf("screenshot %s: capture produced no data", url)
	}
	return map[string]any{
		"kind":       "image",
		"media_type": "image/png",
		"data_b64":   base64.StdEncoding.EncodeToString(buf),
	}, nil
}

func (p *Provider) evaluate(ctx context.Context, url, script string) (any, error) {
	var raw json.RawMessage
	err := p.runTasks(ctx, chromedp.Tasks{
		chromedp.Navigate(url),
		chromedp.Evaluate(script, &raw),
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate on %s: %w", url, err)
	}
	if len(raw) == 0 {
		return "undefined", nil
	}
	return string(raw), nil
}

// runChrome executes tasks in a fresh tab under the per-call timeout.
func (p *Provider) runChrome(ctx context.Context, tasks chromedp.Tasks) error {
	tab, cancel := chromedp.NewContext(p.allocator())
	defer cancel()

	run, cancelRun := context.WithTimeout(tab, p.cfg.Timeout)
	defer cancelRun()

	if err := chromedp.Run(run, tasks); err != nil {
		if run.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return fmt.Errorf("browser action timed out after %s", p.cfg.Timeout)
		}
		return err
	}
	return nil
}

// allocator lazily launches the shared Chrome process.
func (p *Provider) allocator() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.allocCtx == nil {
		p.allocCtx, p.allocStop = chromedp.NewExecAllocator(context.Background(),
			chromedp.DefaultExecAllocatorOptions[:]...)
		p.logger.Info("launching headless browser", "max_tabs", p.cfg.MaxTabs, "timeout", p.cfg.Timeout)
	}
	return p.allocCtx
}

func (p *Provider) acquireTab(ctx context.Context) error {
	select {
	case p.tabs <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provider) releaseTab() { <-p.tabs }
