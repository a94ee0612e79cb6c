package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/guarzo/cachesync/modules/app"
	"github.com/guarzo/cachesync/modules/cachestore"
	"github.com/guarzo/cachesync/modules/httpcache"
)

var errUsage = errors.New("usage")

const shutdownTimeout = 5 * time.Second

// Handler runs one cachectl command against an App.
type Handler struct {
	app *app.App
	out io.Writer
	err io.Writer
	ttl time.Duration
}

// Run dispatches args and returns the process exit code.
func (h Handler) Run(ctx context.Context, args []string) int {
	var err error
	switch cmd, rest := args[0], args[1:]; cmd {
	case "stats":
		err = h.Stats()
	case "get":
		if len(rest) != 2 {
			err = errUsage
			break
		}
		err = h.Get(rest[0], rest[1])
	case "set":
		if len(rest) != 3 {
			err = errUsage
			break
		}
		err = h.Set(rest[0], rest[1], rest[2])
	case "clear":
		if len(rest) > 1 {
			err = errUsage
			break
		}
		ns := ""
		if len(rest) == 1 {
			ns = rest[0]
		}
		err = h.Clear(ns)
	case "sweep":
		fmt.Fprintf(h.out, "removed %d expired entries\n", h.app.Store.Sweep())
	case "fetch":
		if len(rest) != 1 {
			err = errUsage
			break
		}
		err = h.Fetch(ctx, rest[0])
	case "metrics":
		if len(rest) != 0 {
			err = errUsage
			break
		}
		err = h.Metrics(ctx)
	default:
		err = fmt.Errorf("unknown command %q: %w", cmd, errUsage)
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage):
		fmt.Fprintf(h.err, "error: bad arguments for %q (see -h)\n", args[0])
		return 2
	default:
		fmt.Fprintf(h.err, "error: %v\n", err)
		return 1
	}
}

// Stats prints store counters and per-namespace entry counts.
func (h Handler) Stats() error {
	st := h.app.Store.Stats()
	durable := fmt.Sprint(st.Durable)
	if st.Durable < 0 {
		durable = "n/a"
	}
	w := tabwriter.NewWriter(h.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "volatile entries\t%d\n", st.Volatile)
	fmt.Fprintf(w, "durable entries\t%s\n", durable)
	fmt.Fprintf(w, "hits\t%d\nmisses\t%d\nexpired\t%d\nevictions\t%d\n", st.Hits, st.Misses, st.Expired, st.Evictions)
	fmt.Fprintf(w, "durable hits\t%d\ndurable errors\t%d\n", st.DurableHits, st.DurableErrors)
	if state := h.app.BreakerState(); state != "" {
		fmt.Fprintf(w, "breaker\t%s\n", state)
	}
	if len(st.Namespaces) > 0 {
		fmt.Fprintf(w, "\nNAMESPACE\tVOLATILE\tDURABLE\n")
		for _, ns := range namespaces(st) {
			n := st.Namespaces[ns]
			fmt.Fprintf(w, "%s\t%d\t%d\n", ns, n.Volatile, n.Durable)
		}
	}
	return w.Flush()
}

// Get prints one entry with its age and TTL.
func (h Handler) Get(ns, key string) error {
	e, ok := h.app.Store.Get(ns, key)
	if !ok {
		return fmt.Errorf("%s: not found", cachestore.K(ns, key))
	}
	var data any = e.Data
	if raw, ok := e.Data.(cachestore.Raw); ok {
		var v any
		if err := h.app.Store.Codec().Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("decode %s: %w", cachestore.K(ns, key), err)
		}
		data = v
	}
	out := struct {
		Key       string    `json:"key"`
		Data      any       `json:"data"`
		CreatedAt time.Time `json:"createdAt"`
		TTL       string    `json:"ttl"`
	}{cachestore.K(ns, key).String(), data, e.CreatedAt, ttlString(e.TTL)}
	enc := json.NewEncoder(h.out)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// Set stores a JSON value.
func (h Handler) Set(ns, key, value string) error {
	var v any
	if err := json.Unmarshal([]byte(value), &v); err != nil {
		return fmt.Errorf("value is not JSON: %w", err)
	}
	h.app.Store.Set(ns, key, v, h.ttl)
	fmt.Fprintf(h.out, "set %s\n", cachestore.K(ns, key))
	return nil
}

// Clear empties ns, or the whole store when ns is empty.
func (h Handler) Clear(ns string) error {
	if ns == "" {
		h.app.Store.ClearAll()
		fmt.Fprintln(h.out, "cleared all namespaces")
		return nil
	}
	h.app.Store.ClearNamespace(ns)
	fmt.Fprintf(h.out, "cleared %s\n", ns)
	return nil
}

// Fetch GETs rawURL through the caching transport and prints the body.
func (h Handler) Fetch(ctx context.Context, rawURL string) error {
	key, err := httpcache.KeyFor(http.MethodGet, rawURL)
	if err != nil {
		return err
	}
	cached := h.app.Responses.Has(key)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := h.app.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	source := "network"
	if cached {
		source = "cache"
	}
	fmt.Fprintf(h.err, "%s %d (%s)\n", key, resp.StatusCode, source)
	_, err = io.Copy(h.out, resp.Body)
	return err
}

// Metrics serves /metrics on the configured address until ctx ends.
func (h Handler) Metrics(ctx context.Context) error {
	cfg := h.app.Config.Metrics
	if !cfg.Enabled {
		return errors.New("metrics are disabled (set metrics.enabled)")
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	return h.ServeMetrics(ctx, ln)
}

// ServeMetrics serves /metrics on ln and shuts down when ctx ends.
func (h Handler) ServeMetrics(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h.app.MetricsHandler())
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- server.Serve(ln) }()
	h.app.Logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	fmt.Fprintf(h.err, "serving metrics on %s\n", ln.Addr())

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func ttlString(d time.Duration) string {
	if d == 0 {
		return "none"
	}
	return d.String()
}

// namespaces returns the sorted namespace names in st.
func namespaces(st cachestore.Stats) []string {
	out := make([]string, 0, len(st.Namespaces))
	for ns := range st.Namespaces {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}
