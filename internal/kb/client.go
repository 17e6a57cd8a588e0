// Package kb is a SPARQL 1.1 Protocol client for the named queries and
// updates of a JSAP catalog.
package kb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"

	"github.com/lox/criteriasync/internal/httputil"
	"github.com/lox/criteriasync/internal/jsap"
	"github.com/lox/criteriasync/internal/metrics"
)

const (
	contentTypeQuery  = "application/sparql-query"
	contentTypeUpdate = "application/sparql-update"
	acceptResults     = "application/sparql-results+json"

	DefaultMaxElapsed = 30 * time.Second
)

var ErrUnknownOperation = errors.New("unknown operation")

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

type Options struct {
	HTTPClient *http.Client
	// MaxElapsed bounds retries of one request; zero selects DefaultMaxElapsed.
	MaxElapsed time.Duration
	Logger     *slog.Logger
}

type Client struct {
	queryURL   string
	updateURL  string
	namespaces map[string]string
	prologue   string
	queries    map[string]jsap.Operation
	updates    map[string]jsap.Operation
	http       *http.Client
	maxElapsed time.Duration
	logger     *slog.Logger
}

func New(doc *jsap.Document, opts Options) (*Client, error) {
	if doc.Host == "" {
		return nil, errors.New("kb: jsap host is empty")
	}
	scheme := doc.Protocol.Protocol
	if scheme == "" {
		scheme = "http"
	}
	base := scheme + "://" + doc.Host
	if doc.Protocol.Port != 0 {
		base += ":" + strconv.Itoa(doc.Protocol.Port)
	}

	c := &Client{
		queryURL:   base + doc.Protocol.Query.Path,
		updateURL:  base + doc.Protocol.Update.Path,
		namespaces: doc.Namespaces,
		prologue:   prologue(doc.Namespaces),
		queries:    doc.Queries,
		updates:    doc.Updates,
		http:       opts.HTTPClient,
		maxElapsed: opts.MaxElapsed,
		logger:     opts.Logger,
	}
	if c.http == nil {
		c.http = httputil.NewClient(0)
	}
	if c.maxElapsed <= 0 {
		c.maxElapsed = DefaultMaxElapsed
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "kb")
	return c, nil
}

func prologue(namespaces map[string]string) string {
	prefixes := make([]string, 0, len(namespaces))
	for p := range namespaces {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)

	var b strings.Builder
	for _, p := range prefixes {
		fmt.Fprintf(&b, "PREFIX %s: <%s>\n", p, namespaces[p])
	}
	return b.String()
}

var variablePattern = regexp.MustCompile(`[?$]([A-Za-z_][A-Za-z0-9_]*)`)

// Render substitutes bindings into the operation text and prepends the
// namespace prologue. Every forced binding must be supplied by the caller or
// carry a default value in the catalog.
func (c *Client) Render(op jsap.Operation, bindings Bindings) (string, error) {
	terms := make(map[string]string, len(bindings))
	for name, forced := range op.ForcedBindings {
		t, ok := bindings[name]
		if !ok {
			if forced.Value == "" {
				return "", fmt.Errorf("missing binding %q", name)
			}
			if forced.Type == "uri" {
				t = URI(forced.Value)
			} else {
				t = Literal(forced.Value, forced.Datatype)
			}
		}
		if !t.IsURI() && t.Datatype == "" && forced.Datatype != "" {
			t.Datatype = forced.Datatype
		}
		terms[name] = renderTerm(t, c.namespaces)
	}
	for name, t := range bindings {
		if _, done := terms[name]; !done {
			terms[name] = renderTerm(t, c.namespaces)
		}
	}

	body := variablePattern.ReplaceAllStringFunc(op.SPARQL, func(m string) string {
		if rendered, ok := terms[m[1:]]; ok {
			return rendered
		}
		return m
	})
	return c.prologue + body, nil
}

// Query runs the named SELECT and returns its solutions in order.
func (c *Client) Query(ctx context.Context, name string, bindings Bindings) (Rows, error) {
	op, ok := c.queries[name]
	if !ok {
		return nil, fmt.Errorf("query %s: %w", name, ErrUnknownOperation)
	}
	text, err := c.Render(op, bindings)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", name, err)
	}

	c.logger.Debug("query", "operation", name, "bindings", bindings.Names())
	body, err := c.post(ctx, name, "query", c.queryURL, contentTypeQuery, text)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", name, err)
	}
	rows, err := parseResults(body)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", name, err)
	}
	return rows, nil
}

// Update runs the named update.
func (c *Client) Update(ctx context.Context, name string, bindings Bindings) error {
	op, ok := c.updates[name]
	if !ok {
		return fmt.Errorf("update %s: %w", name, ErrUnknownOperation)
	}
	text, err := c.Render(op, bindings)
	if err != nil {
		return fmt.Errorf("update %s: %w", name, err)
	}
	c.logger.Debug("update", "operation", name, "bindings", bindings.Names())
	if _, err := c.post(ctx, name, "update", c.updateURL, contentTypeUpdate, text); err != nil {
		return fmt.Errorf("update %s: %w", name, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, name, kind, url, contentType, text string) ([]byte, error) {
	start := time.Now()
	defer func() {
		metrics.KBLatency.WithLabelValues(name, kind).Observe(time.Since(start).Seconds())
	}()

	var body []byte
	attempt := 0
	operation := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(text))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Accept", acceptResults)

		resp, err := c.http.Do(req)
		if err != nil {
			metrics.KBRequestsTotal.WithLabelValues(name, kind, "error").Inc()
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			c.logger.Debug("request failed", "operation", name, "attempt", attempt, "error", err)
			return err
		}
		defer resp.Body.Close()

		b, err := io.ReadAll(resp.Body)
		if err != nil {
			metrics.KBRequestsTotal.WithLabelValues(name, kind, "error").Inc()
			return fmt.Errorf("read body: %w", err)
		}
		metrics.KBRequestsTotal.WithLabelValues(name, kind, strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			statusErr := &StatusError{Code: resp.StatusCode, Body: truncate(string(b), 256)}
			if retryable(resp.StatusCode) {
				c.logger.Debug("retrying", "operation", name, "attempt", attempt, "status", resp.StatusCode)
				return statusErr
			}
			return backoff.Permanent(statusErr)
		}
		body = b
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = c.maxElapsed
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

func parseResults(body []byte) (Rows, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("invalid sparql results json")
	}
	bindings := gjson.GetBytes(body, "results.bindings")
	if !bindings.Exists() {
		return nil, errors.New("sparql results without results.bindings")
	}

	var rows Rows
	bindings.ForEach(func(_, solution gjson.Result) bool {
		row := Row{}
		solution.ForEach(func(name, term gjson.Result) bool {
			row[name.String()] = term.Get("value").String()
			return true
		})
		rows = append(rows, row)
		return true
	})
	return rows, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
