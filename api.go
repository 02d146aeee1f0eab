package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof" // register handlers
	"regexp"
	"strings"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zephyrtronium/roleassign/eligible"
)

func (robo *Robot) api(ctx context.Context, listen string, mux *http.ServeMux, metrics []prometheus.Collector) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(
		collectors.WithGoCollectorMemStatsMetricsDisabled(),
		collectors.WithGoCollectorRuntimeMetrics(
			collectors.GoRuntimeMetricsRule{
				Matcher: regexp.MustCompile(`^(/gc/gogc:percent|/gc/gomemlimit:bytes|/gc/heap/allocs:bytes|/gc/heap/goal:bytes|/memory/classes/total:bytes|/sched/gomaxprocs:threads|/sched/goroutines:goroutines|/sched/latencies:seconds)$`),
			},
		),
	))
	reg.MustRegister(metrics...)
	opts := promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, opts))
	mux.HandleFunc("GET /debug/pprof/", pprof.Index)
	mux.HandleFunc("GET /debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("GET /debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("GET /debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("GET /debug/pprof/trace", pprof.Trace)
	robo.routes(mux)
	l, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("couldn't start API server: %w", err)
	}
	srv := http.Server{
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
		BaseContext: func(l net.Listener) context.Context { return ctx },
	}
	go func() {
		slog.InfoContext(ctx, "HTTP API server", slog.Any("addr", l.Addr()))
		err := srv.Serve(l)
		if err == http.ErrServerClosed {
			return
		}
		slog.ErrorContext(ctx, "HTTP API server closed", slog.Any("err", err))
	}()
	<-ctx.Done()
	// The context is now done, so it is obviously the wrong choice for
	// managing the shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// routes adds the settings API to mux.
func (robo *Robot) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/community", robo.apiCommunities)
	mux.HandleFunc("GET /api/community/{community}/settings", robo.apiSettings)
	mux.HandleFunc("GET /api/community/{community}/eligible", robo.apiEligible)
}

func jsonerror(w http.ResponseWriter, status int, msg string) {
	v := struct {
		Error  string `json:"error"`
		Status int    `json:"status"`
	}{
		Error:  msg,
		Status: status,
	}
	b, err := json.Marshal(&v)
	if err != nil {
		panic(err)
	}
	w.WriteHeader(status)
	w.Write(b)
}

func apiLogger(ctx context.Context, api string, r *http.Request) *slog.Logger {
	log := slog.With(slog.String("api", api), slog.Any("trace", uuid.New()))
	log.InfoContext(ctx, "handle", slog.String("route", r.Pattern), slog.String("remote", r.RemoteAddr))
	return log
}

func writeJSON(ctx context.Context, log *slog.Logger, w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	if _, err := w.Write(b); err != nil {
		log.ErrorContext(ctx, "write response failed", slog.Any("err", err))
	}
}

func (robo *Robot) apiCommunities(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := apiLogger(ctx, "communities", r)
	defer log.InfoContext(ctx, "done")
	w.Header().Set("Content-Type", "application/json")
	ids, err := robo.settings.Communities(ctx)
	if err != nil {
		log.ErrorContext(ctx, "couldn't list communities", slog.Any("err", err))
		jsonerror(w, http.StatusInternalServerError, err.Error())
		return
	}
	u := struct {
		Data   []string `json:"data"`
		Status int      `json:"status"`
	}{
		Data:   ids,
		Status: http.StatusOK,
	}
	writeJSON(ctx, log, w, &u)
}

func (robo *Robot) apiSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := apiLogger(ctx, "settings", r)
	defer log.InfoContext(ctx, "done")
	w.Header().Set("Content-Type", "application/json")
	community := r.PathValue("community")
	cfg, err := robo.settings.Load(ctx, community)
	if err != nil {
		log.ErrorContext(ctx, "couldn't load settings", slog.String("community", community), slog.Any("err", err))
		jsonerror(w, http.StatusInternalServerError, err.Error())
		return
	}
	u := struct {
		Data   any `json:"data"`
		Status int `json:"status"`
	}{
		Data:   &cfg,
		Status: http.StatusOK,
	}
	writeJSON(ctx, log, w, &u)
}

type apiEligibility struct {
	Community string              `json:"community"`
	Member    string              `json:"member,omitzero"`
	Reason    string              `json:"reason"`
	Eligible  []string            `json:"eligible"`
	Free      []string            `json:"free"`
	Switches  []string            `json:"switches"`
	Conflicts []string            `json:"conflicts"`
	Blocking  map[string][]string `json:"blocking"`
	LockedOut []string            `json:"lockedout"`
	Locked    bool                `json:"locked"`
}

func apiEligibilityFrom(community, member string, r *eligible.Result) *apiEligibility {
	return &apiEligibility{
		Community: community,
		Member:    member,
		Reason:    r.Reason.String(),
		Eligible:  r.Eligible,
		Free:      r.Free(),
		Switches:  r.Switches(),
		Conflicts: r.Conflicts,
		Blocking:  r.Blocking,
		LockedOut: r.LockedOut,
		Locked:    r.Locked,
	}
}

func (robo *Robot) apiEligible(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := apiLogger(ctx, "eligible", r)
	defer log.InfoContext(ctx, "done")
	w.Header().Set("Content-Type", "application/json")
	community := r.PathValue("community")
	member := r.FormValue("member")
	var held []string
	for _, s := range r.Form["held"] {
		for _, id := range strings.Split(s, ",") {
			if id = strings.TrimSpace(id); id != "" {
				held = append(held, id)
			}
		}
	}
	log.InfoContext(ctx, "evaluate", slog.String("community", community), slog.String("member", member), slog.Any("held", held))
	res, err := robo.eligibility(ctx, community, member, held)
	if err != nil {
		log.ErrorContext(ctx, "couldn't evaluate", slog.Any("err", err))
		jsonerror(w, http.StatusInternalServerError, err.Error())
		return
	}
	u := struct {
		Data   *apiEligibility `json:"data"`
		Status int             `json:"status"`
	}{
		Data:   apiEligibilityFrom(community, member, &res),
		Status: http.StatusOK,
	}
	writeJSON(ctx, log, w, &u)
}
