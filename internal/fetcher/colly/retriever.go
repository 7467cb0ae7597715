// Package collyfetcher implements crawler.Retriever using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"golang.org/x/text/encoding/unicode"

	"github.com/JakeFAU/refcrawler/internal/crawler"
)

// forcedCharset is applied to every response regardless of the declared
// Content-Type charset.
const forcedCharset = "utf-8"

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
}

// Retriever performs plain HTTP GETs through a Colly collector.
type Retriever struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Retriever.
func New(cfg Config) *Retriever {
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Retriever{
		cfg:           cfg,
		baseCollector: c,
	}
}

// visit accumulates the outcome of one collector run. Colly may report an
// error through both OnError and Visit, so the status is kept separately.
type visit struct {
	mu     sync.Mutex
	doc    crawler.Document
	status int
	err    error
}

// Retrieve fetches rawURL and returns its body decoded as UTF-8.
func (r *Retriever) Retrieve(ctx context.Context, rawURL string) (crawler.Document, error) {
	v := &visit{}
	collector := r.buildCollector(ctx, time.Now(), v)
	if err := r.runCollector(ctx, collector, rawURL, v); err != nil {
		return crawler.Document{}, err
	}
	return v.doc, nil
}

func (r *Retriever) buildCollector(ctx context.Context, start time.Time, v *visit) *colly.Collector {
	collector := r.baseCollector.Clone()
	// Requests carry ctx so cancellation aborts the in-flight fetch.
	collector.Context = ctx
	// Clones share the visited-URL store; every Retrieve is an explicit fetch.
	collector.AllowURLRevisit = true
	collector.IgnoreRobotsTxt = true
	collector.DetectCharset = false
	if r.cfg.UserAgent != "" {
		collector.UserAgent = r.cfg.UserAgent
	}
	if r.cfg.MaxBodySize > 0 {
		collector.MaxBodySize = r.cfg.MaxBodySize
	}
	timeout := r.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	r.configureCollectorHooks(collector, start, v)
	return collector
}

func (r *Retriever) configureCollectorHooks(hooks collectorHooks, start time.Time, v *visit) {
	hooks.OnRequest(func(req *colly.Request) {
		req.ResponseCharacterEncoding = forcedCharset
	})

	hooks.OnResponse(func(resp *colly.Response) {
		v.mu.Lock()
		defer v.mu.Unlock()
		v.status = resp.StatusCode
		v.doc = crawler.Document{
			URL:        resp.Request.URL.String(),
			StatusCode: resp.StatusCode,
			Content:    decodeUTF8(resp.Body),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(resp *colly.Response, err error) {
		v.mu.Lock()
		defer v.mu.Unlock()
		if resp != nil {
			v.status = resp.StatusCode
		}
		v.err = err
	})
}

func (r *Retriever) runCollector(ctx context.Context, collector *colly.Collector, rawURL string, v *visit) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return &crawler.FetchError{URL: rawURL, Err: fmt.Errorf("colly fetch canceled: %w", ctx.Err())}
	case err := <-done:
		v.mu.Lock()
		defer v.mu.Unlock()
		if err == nil {
			err = v.err
		}
		if err == nil && v.status >= http.StatusBadRequest {
			err = errors.New(http.StatusText(v.status))
		}
		if err != nil {
			return &crawler.FetchError{URL: rawURL, StatusCode: v.status, Err: err}
		}
		return nil
	}
}

// decodeUTF8 interprets body as UTF-8, replacing invalid sequences with
// U+FFFD.
func decodeUTF8(body []byte) string {
	out, err := unicode.UTF8.NewDecoder().Bytes(body)
	if err != nil {
		return string(body)
	}
	return string(out)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
