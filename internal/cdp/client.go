package cdp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/dgnsrekt/bulkops/internal/capture"
	"github.com/dgnsrekt/bulkops/internal/config"
	"github.com/dgnsrekt/bulkops/internal/types"
)

const (
	eventBufferSize = 256
	sweepInterval   = time.Minute
	bodyTimeout     = 10 * time.Second
)

// Processor consumes the traffic of one tab. *capture.Correlator satisfies it.
type Processor interface {
	Process(ctx context.Context, ev types.TrafficEvent) capture.Update
	Sweep(now time.Time) int
}

// ProcessorFactory builds the session for a newly attached tab. body fetches
// response payloads from that tab.
type ProcessorFactory func(tab types.TabInfo, body capture.BodySource) (Processor, error)

// UpdateFunc is told whenever a tab's session publishes something.
type UpdateFunc func(tab types.TabInfo, u capture.Update)

// Client manages CDP connections to browser tabs.
type Client struct {
	cfg          *config.Config
	newProcessor ProcessorFactory
	onUpdate     UpdateFunc
	tabRegistry  *TabRegistry
	allocCtx     context.Context
	allocCancel  context.CancelFunc
	tabs         map[target.ID]*TabContext
	tabsMu       sync.RWMutex
	wg           sync.WaitGroup
	done         chan struct{}
	closeOnce    sync.Once
}

// TabContext is one attached tab and its serialized event queue.
type TabContext struct {
	ID     target.ID
	URL    string
	ctx    context.Context
	cancel context.CancelFunc
	events chan types.TrafficEvent
	proc   Processor
}

// NewClient creates a client. onUpdate may be nil.
func NewClient(cfg *config.Config, newProcessor ProcessorFactory, onUpdate UpdateFunc, tabRegistry *TabRegistry) *Client {
	return &Client{
		cfg:          cfg,
		newProcessor: newProcessor,
		onUpdate:     onUpdate,
		tabRegistry:  tabRegistry,
		tabs:         make(map[target.ID]*TabContext),
		done:         make(chan struct{}),
	}
}

// Connect attaches to every page tab whose URL matches the tab filter.
func (c *Client) Connect(ctx context.Context) error {
	cdpURL := c.cfg.GetCDPURL()
	slog.Info("connecting to chromium", "url", cdpURL)

	c.allocCtx, c.allocCancel = chromedp.NewRemoteAllocator(ctx, cdpURL)

	tempCtx, tempCancel := chromedp.NewContext(c.allocCtx)
	defer tempCancel()

	if err := chromedp.Run(tempCtx); err != nil {
		return fmt.Errorf("failed to connect to browser: %w", err)
	}

	targets, err := chromedp.Targets(tempCtx)
	if err != nil {
		return fmt.Errorf("failed to enumerate targets: %w", err)
	}

	slog.Info("found browser targets", "count", len(targets))

	attachedCount := 0
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		if !c.matchesTabURL(t.URL) {
			slog.Debug("skipping tab (url filter)", "url", t.URL)
			continue
		}
		if err := c.attachToTab(t.TargetID, t.URL); err != nil {
			slog.Error("failed to attach to tab", "target_id", t.TargetID, "url", t.URL, "error", err)
			continue
		}
		attachedCount++
	}

	if attachedCount == 0 {
		return fmt.Errorf("no tabs found matching BULKOPS_TAB_URL_FILTER=%q", c.cfg.TabURLFilter)
	}

	slog.Info("attached to tabs", "count", attachedCount, "tab_url_filter", c.cfg.TabURLFilter)
	return nil
}

func (c *Client) attachToTab(targetID target.ID, url string) error {
	tabInfo, err := c.tabRegistry.Register(targetID, url)
	if err != nil {
		return fmt.Errorf("failed to register tab: %w", err)
	}

	tabCtx, tabCancel := chromedp.NewContext(c.allocCtx, chromedp.WithTargetID(targetID))
	tab := &TabContext{
		ID:     targetID,
		URL:    url,
		ctx:    tabCtx,
		cancel: tabCancel,
		events: make(chan types.TrafficEvent, eventBufferSize),
	}

	proc, err := c.newProcessor(*tabInfo, tab.fetchBody)
	if err != nil {
		tabCancel()
		c.tabRegistry.Remove(targetID)
		return fmt.Errorf("failed to create capture session: %w", err)
	}
	tab.proc = proc

	if err := chromedp.Run(tabCtx, network.Enable(), network.SetCacheDisabled(true), page.Enable()); err != nil {
		tabCancel()
		c.tabRegistry.Remove(targetID)
		return fmt.Errorf("failed to enable network/page domains: %w", err)
	}

	c.tabsMu.Lock()
	c.tabs[targetID] = tab
	c.tabsMu.Unlock()

	c.wg.Add(1)
	go c.deliver(tab)

	slog.Info("attached to tab", "target_id", targetID, "path_segment", tabInfo.PathSegment, "browser_id", tabInfo.BrowserID, "url", truncateURL(url))
	chromedp.ListenTarget(tabCtx, c.createEventHandler(tab))

	if c.cfg.ReloadOnAttach {
		reloadCtx, reloadCancel := context.WithTimeout(tabCtx, 30*time.Second)
		defer reloadCancel()
		if err := chromedp.Run(reloadCtx, chromedp.Reload()); err != nil {
			slog.Warn("failed to reload tab (continuing)", "target_id", targetID, "error", err)
		} else {
			slog.Info("reloaded tab after attach", "target_id", targetID, "url", truncateURL(url))
		}
	}

	return nil
}

// fetchBody reads a response body over the tab's own CDP session.
func (t *TabContext) fetchBody(ctx context.Context, correlationID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bodyCtx, bodyCancel := context.WithTimeout(t.ctx, bodyTimeout)
	defer bodyCancel()

	var body []byte
	err := chromedp.Run(bodyCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		body, err = network.GetResponseBody(network.RequestID(correlationID)).Do(ctx)
		return err
	}))
	return body, err
}

// createEventHandler returns the CDP listener for a tab. Listeners run on
// chromedp's read loop, so they only translate and enqueue.
func (c *Client) createEventHandler(tab *TabContext) func(ev any) {
	tabID := string(tab.ID)
	return func(ev any) {
		switch e := ev.(type) {
		case *page.EventFrameNavigated:
			if e.Frame.ParentID == "" {
				if info, err := c.tabRegistry.Register(tab.ID, e.Frame.URL); err == nil {
					slog.Info("tab navigated (full)", "tab_id", tabID, "path_segment", info.PathSegment, "url", truncateURL(e.Frame.URL))
				}
			}
		case *page.EventNavigatedWithinDocument:
			if info, err := c.tabRegistry.Register(tab.ID, e.URL); err == nil {
				slog.Info("tab navigated (SPA)", "tab_id", tabID, "path_segment", info.PathSegment, "url", truncateURL(e.URL))
			}
		default:
			if te, ok := translateEvent(ev); ok {
				c.enqueue(tab, te)
			}
		}
	}
}

func (c *Client) enqueue(tab *TabContext, ev types.TrafficEvent) {
	select {
	case tab.events <- ev:
	default:
		slog.Warn("tab event queue full, dropping event", "tab_id", tab.ID, "phase", ev.Phase, "correlation_id", ev.CorrelationID)
	}
}

// deliver is the only goroutine that touches the tab's Processor.
func (c *Client) deliver(tab *TabContext) {
	defer c.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-tab.events:
			u := tab.proc.Process(tab.ctx, ev)
			if u.Any() && c.onUpdate != nil {
				info, ok := c.tabRegistry.Get(tab.ID)
				if !ok {
					info = &types.TabInfo{TargetID: string(tab.ID), URL: tab.URL}
				}
				c.onUpdate(*info, u)
			}
		case now := <-ticker.C:
			tab.proc.Sweep(now)
		case <-tab.ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

// translateEvent maps the four network lifecycle events onto TrafficEvent.
func translateEvent(ev any) (types.TrafficEvent, bool) {
	now := time.Now()
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		if e.Request == nil {
			return types.TrafficEvent{}, false
		}
		return types.TrafficEvent{
			CorrelationID: string(e.RequestID),
			Phase:         types.PhaseInitiated,
			URL:           e.Request.URL,
			Method:        e.Request.Method,
			Headers:       headerMapToStringMap(e.Request.Headers),
			Body:          decodePostData(e.Request),
			Timestamp:     now,
		}, true
	case *network.EventResponseReceived:
		if e.Response == nil {
			return types.TrafficEvent{}, false
		}
		return types.TrafficEvent{
			CorrelationID: string(e.RequestID),
			Phase:         types.PhaseStatusReceived,
			URL:           e.Response.URL,
			Status:        int(e.Response.Status),
			Timestamp:     now,
		}, true
	case *network.EventLoadingFinished:
		return types.TrafficEvent{
			CorrelationID: string(e.RequestID),
			Phase:         types.PhaseCompleted,
			Timestamp:     now,
		}, true
	case *network.EventLoadingFailed:
		return types.TrafficEvent{
			CorrelationID: string(e.RequestID),
			Phase:         types.PhaseCompleted,
			Failed:        true,
			ErrorText:     e.ErrorText,
			Timestamp:     now,
		}, true
	}
	return types.TrafficEvent{}, false
}

func decodePostData(req *network.Request) []byte {
	if !req.HasPostData || len(req.PostDataEntries) == 0 {
		return nil
	}
	var decodedParts []byte
	for _, entry := range req.PostDataEntries {
		if entry.Bytes == "" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(entry.Bytes)
		if err != nil {
			decodedParts = append(decodedParts, []byte(entry.Bytes)...)
		} else {
			decodedParts = append(decodedParts, decoded...)
		}
	}
	return decodedParts
}

// Close detaches from every tab and waits for delivery goroutines to exit.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })

	c.tabsMu.Lock()
	for _, tab := range c.tabs {
		tab.cancel()
	}
	c.tabs = make(map[target.ID]*TabContext)
	c.tabsMu.Unlock()

	c.wg.Wait()

	if c.allocCancel != nil {
		c.allocCancel()
	}

	slog.Info("cdp client closed")
	return nil
}

// Wait blocks until every attached tab has gone away or ctx is done.
func (c *Client) Wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return errors.New("all observed tabs closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tabs returns the currently registered tabs.
func (c *Client) Tabs() []types.TabInfo {
	return c.tabRegistry.List()
}

func (c *Client) GetTabCount() int {
	c.tabsMu.RLock()
	defer c.tabsMu.RUnlock()
	return len(c.tabs)
}

func (c *Client) matchesTabURL(url string) bool {
	if c.cfg.TabURLFilter == "" {
		return true
	}
	return strings.Contains(strings.ToLower(url), strings.ToLower(c.cfg.TabURLFilter))
}

func headerMapToStringMap(headers map[string]any) map[string]string {
	result := make(map[string]string, len(headers))
	for k, v := range headers {
		if s, ok := v.(string); ok {
			result[k] = s
		}
	}
	return result
}

func truncateURL(url string) string {
	if len(url) > 120 {
		return url[:120] + "..."
	}
	return url
}
