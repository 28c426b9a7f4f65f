// Package dashboard implements the diagnostics dashboard.
package dashboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"sync/atomic"
	"text/template"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/zipfs-go/zipfs/assets"
	"github.com/zipfs-go/zipfs/internal/filesystem"
	"github.com/zipfs-go/zipfs/internal/logging"
)

const indexPage = `
<html><head><title>zipfs ({{.Version}})</title></head><body>
<img width=150 src="/zipfs.png"> <b>{{.Version}} / Diagnostics Dashboard</b><br><br>
<b>
    <a href="/metrics.json" target="_blank">Metrics (JSON)</a> /
    <a href="/reset" target="_blank">Reset Metrics</a> /
    <a href="/gc" target="_blank">Force GC</a>
</b>
<ul>
    <li>Uptime:                          {{.Uptime}}</li>
    <li>ZIP handles:                     {{.OpenZips}}</li>
    <li>Total ZIP opens:                 {{.TotalOpenedZips}}</li>
    <li>Total ZIP closes:                {{.TotalClosedZips}}</li>
    <li>Total errors:                    {{.TotalErrors}}</li>
    <br>
    <li>FD cache size:                   {{.FDCacheSize}}</li>
    <li>FD cache TTL:                    {{.FDCacheTTL}}</li>
    <li>FD cache bypass:                 {{.FDCacheBypass}}</li>
    <li>FD cache hits:                   {{.TotalFDCacheHits}}</li>
    <li>FD cache misses:                 {{.TotalFDCacheMisses}}</li>
    <li>FD cache hit ratio:              {{.TotalFDCacheRatio}}</li>
    <li>FD limit:                        {{.FDLimit}}</li>
    <br>
    <li>Flat mode:                       {{.FlatMode}}</li>
    <li>Force unicode:                   {{.ForceUnicode}}</li>
    <li>Forced integrity checking:       {{.MustCRC32}}</li>
    <li>Strict cache:                    {{.StrictCache}}</li>
    <li>Streaming threshold:             {{.StreamingThreshold}}</li>
    <br>
    <li>Stream pool size:                {{.StreamPoolSize}}</li>
    <li>Stream pool hits:                {{.StreamPoolHits}}</li>
    <li>Stream pool misses:              {{.StreamPoolMisses}}</li>
    <li>Stream pool hit ratio:           {{.StreamPoolHitRatio}}</li>
    <li>Stream pool avg hit size:        {{.StreamPoolHitAvg}}</li>
    <li>Stream pool avg miss size:       {{.StreamPoolMissAvg}}</li>
    <li>Total stream rewinds:            {{.TotalStreamRewinds}}</li>
    <br>
    <li>Current heap alloc:              {{.AllocBytes}}</li>
    <li>Total heap alloc:                {{.TotalAlloc}}</li>
    <li>OS memory obtained:              {{.SysBytes}}</li>
    <li>GC cycles run:                   {{.NumGC}}</li>
    <br>
    <li>Total metadata reads:            {{.TotalMetadatas}}</li>
    <li>Avg metadata read time:          {{.AvgMetadataReadTime}}</li>
    <br>
    <li>Total file extracts:             {{.TotalExtracts}}</li>
    <li>Total byte extracts:             {{.TotalExtractBytes}}</li>
    <li>Avg file extract time:           {{.AvgExtractTime}}</li>
    <li>Avg file extract speed:          {{.AvgExtractSpeed}}</li>
</ul>
<h3>In-Memory Ring Buffer ({{.RingBufferSize}} lines):</h3>
<pre>{{range .Logs}}{{.}}
{{end}}</pre>
</body></html>
`

var (
	indexTemplate = template.Must(template.New("index").Parse(indexPage))

	// errInvalidArgument is for an invalid constructor argument.
	errInvalidArgument = errors.New("invalid argument")
)

// FSDashboard is the implementation of the filesystem dashboard.
type FSDashboard struct {
	version string
	fsys    *filesystem.FS
	rbuf    *logging.RingBuffer
}

// NewFSDashboard returns a pointer to a new [FSDashboard].
func NewFSDashboard(fsys *filesystem.FS, rbuf *logging.RingBuffer, version string) (*FSDashboard, error) {
	if fsys == nil {
		return nil, fmt.Errorf("%w: need filesystem", errInvalidArgument)
	}
	if rbuf == nil {
		return nil, fmt.Errorf("%w: need ring buffer", errInvalidArgument)
	}

	return &FSDashboard{
		version: version,
		fsys:    fsys,
		rbuf:    rbuf,
	}, nil
}

// Serve serves the diagnostics dashboard as part of a [http.Server].
func (d *FSDashboard) Serve(addr string) *http.Server {
	srv := &http.Server{Addr: addr, Handler: d.dashboardMux()}

	go func() {
		defer func() {
			r := recover()
			if r != nil {
				fmt.Fprintf(os.Stderr, "(dashboard) PANIC: %v\n", r)
				debug.PrintStack()
			}
		}()
		d.rbuf.Printf("serving dashboard on %s\n", addr)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.rbuf.Printf("HTTP error: %v\n", err)
		}
	}()

	return srv
}

func (d *FSDashboard) dashboardMux() *mux.Router {
	mux := mux.NewRouter()

	mux.HandleFunc("/", d.dashboardHandler)
	mux.HandleFunc("/metrics.json", d.metricsHandler)
	mux.HandleFunc("/gc", d.gcHandler)
	mux.HandleFunc("/reset", d.resetMetricsHandler)

	mux.HandleFunc("/set/bypass/{value}",
		d.booleanHandler("FD cache bypass", &d.fsys.Options.FDCacheBypass))
	mux.HandleFunc("/set/checkall/{value}",
		d.booleanHandler("Forced integrity checking", &d.fsys.Options.MustCRC32))
	mux.HandleFunc("/set/threshold/{value}", d.thresholdHandler)

	mux.HandleFunc("/zipfs.png", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(assets.Logo)
	})
	// mux.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)

	return mux
}

type fsDashboardData struct {
	AllocBytes          string   `json:"allocBytes"`
	AvgExtractSpeed     string   `json:"avgExtractSpeed"`
	AvgExtractTime      string   `json:"avgExtractTime"`
	AvgMetadataReadTime string   `json:"avgMetadataReadTime"`
	FDCacheBypass       string   `json:"fdCacheBypass"`
	FDCacheSize         int      `json:"fdCacheSize"`
	FDCacheTTL          string   `json:"fdCacheTtl"`
	FDLimit             int      `json:"fdLimit"`
	FlatMode            string   `json:"flatMode"`
	ForceUnicode        string   `json:"forceUnicode"`
	Logs                []string `json:"logs"`
	MustCRC32           string   `json:"mustCrc32"`
	NumGC               uint32   `json:"numGc"`
	OpenZips            int64    `json:"openZips"`
	RingBufferSize      int      `json:"ringBufferSize"`
	StreamingThreshold  string   `json:"streamingThreshold"`
	StreamPoolHitAvg    string   `json:"streamPoolHitAvg"`
	StreamPoolHitRatio  string   `json:"streamPoolHitRatio"`
	StreamPoolHits      int64    `json:"streamPoolHits"`
	StreamPoolMissAvg   string   `json:"streamPoolMissAvg"`
	StreamPoolMisses    int64    `json:"streamPoolMisses"`
	StreamPoolSize      string   `json:"streamPoolSize"`
	StrictCache         string   `json:"strictCache"`
	SysBytes            string   `json:"sysBytes"`
	TotalAlloc          string   `json:"totalAlloc"`
	TotalClosedZips     int64    `json:"totalClosedZips"`
	TotalErrors         int64    `json:"totalErrors"`
	TotalExtractBytes   string   `json:"totalExtractBytes"`
	TotalExtracts       int64    `json:"totalExtracts"`
	TotalFDCacheHits    int64    `json:"totalFdCacheHits"`
	TotalFDCacheMisses  int64    `json:"totalFdCacheMisses"`
	TotalFDCacheRatio   string   `json:"totalFdCacheRatio"`
	TotalMetadatas      int64    `json:"totalMetadatas"`
	TotalOpenedZips     int64    `json:"totalOpenedZips"`
	TotalStreamRewinds  int64    `json:"totalStreamRewinds"`
	Uptime              string   `json:"uptime"`
	Version             string   `json:"version"`
}

func (d *FSDashboard) collectMetrics() fsDashboardData {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	lines := d.rbuf.Lines()
	slices.Reverse(lines)

	opts := d.fsys.Options
	m := d.fsys.Metrics

	return fsDashboardData{
		AllocBytes:          humanize.IBytes(mem.Alloc),
		AvgExtractSpeed:     throughput(m.TotalExtractBytes.Load(), m.TotalExtractTime.Load()),
		AvgExtractTime:      avgDuration(m.TotalExtractTime.Load(), m.TotalExtractCount.Load()),
		AvgMetadataReadTime: avgDuration(m.TotalMetadataReadTime.Load(), m.TotalMetadataReadCount.Load()),
		FDCacheBypass:       enabledOrDisabled(opts.FDCacheBypass.Load()),
		FDCacheSize:         opts.FDCacheSize,
		FDCacheTTL:          opts.FDCacheTTL.String(),
		FDLimit:             opts.FDLimit,
		FlatMode:            enabledOrDisabled(opts.FlatMode),
		ForceUnicode:        enabledOrDisabled(opts.ForceUnicode),
		Logs:                lines,
		MustCRC32:           enabledOrDisabled(opts.MustCRC32.Load()),
		NumGC:               mem.NumGC,
		OpenZips:            m.OpenZips.Load(),
		RingBufferSize:      d.rbuf.Size(),
		StreamingThreshold:  humanize.Bytes(opts.StreamingThreshold.Load()),
		StreamPoolHitAvg:    avgSize(m.TotalStreamPoolHitBytes.Load(), m.TotalStreamPoolHits.Load()),
		StreamPoolHitRatio:  hitRatio(m.TotalStreamPoolHits.Load(), m.TotalStreamPoolMisses.Load()),
		StreamPoolHits:      m.TotalStreamPoolHits.Load(),
		StreamPoolMissAvg:   avgSize(m.TotalStreamPoolMissBytes.Load(), m.TotalStreamPoolMisses.Load()),
		StreamPoolMisses:    m.TotalStreamPoolMisses.Load(),
		StreamPoolSize:      humanize.IBytes(uint64(opts.StreamPoolSize)), //nolint:gosec
		StrictCache:         enabledOrDisabled(opts.StrictCache),
		SysBytes:            humanize.IBytes(mem.Sys),
		TotalAlloc:          humanize.IBytes(mem.TotalAlloc),
		TotalClosedZips:     m.TotalClosedZips.Load(),
		TotalErrors:         m.Errors.Load(),
		TotalExtractBytes:   clampedBytes(m.TotalExtractBytes.Load()),
		TotalExtracts:       m.TotalExtractCount.Load(),
		TotalFDCacheHits:    m.TotalFDCacheHits.Load(),
		TotalFDCacheMisses:  m.TotalFDCacheMisses.Load(),
		TotalFDCacheRatio:   hitRatio(m.TotalFDCacheHits.Load(), m.TotalFDCacheMisses.Load()),
		TotalMetadatas:      m.TotalMetadataReadCount.Load(),
		TotalOpenedZips:     m.TotalOpenedZips.Load(),
		TotalStreamRewinds:  m.TotalStreamRewinds.Load(),
		Uptime:              humanize.Time(d.fsys.MountTime),
		Version:             d.version,
	}
}

func (d *FSDashboard) dashboardHandler(w http.ResponseWriter, _ *http.Request) {
	data := d.collectMetrics()

	if err := indexTemplate.Execute(w, data); err != nil {
		d.rbuf.Printf("HTTP template execution error: %v\n", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (d *FSDashboard) metricsHandler(w http.ResponseWriter, _ *http.Request) {
	data := d.collectMetrics()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (d *FSDashboard) gcHandler(w http.ResponseWriter, _ *http.Request) {
	runtime.GC()
	debug.FreeOSMemory()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	d.rbuf.Printf("GC forced via API, current heap: %s.\n", humanize.IBytes(m.Alloc))

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "GC forced, current heap: %s.\n", humanize.IBytes(m.Alloc))
}

func (d *FSDashboard) resetMetricsHandler(w http.ResponseWriter, _ *http.Request) {
	d.fsys.Metrics.Errors.Store(0)
	d.fsys.Metrics.TotalOpenedZips.Store(0)
	d.fsys.Metrics.TotalClosedZips.Store(0)
	d.fsys.Metrics.TotalStreamRewinds.Store(0)
	d.fsys.Metrics.TotalMetadataReadTime.Store(0)
	d.fsys.Metrics.TotalMetadataReadCount.Store(0)
	d.fsys.Metrics.TotalExtractTime.Store(0)
	d.fsys.Metrics.TotalExtractCount.Store(0)
	d.fsys.Metrics.TotalExtractBytes.Store(0)
	d.fsys.Metrics.TotalFDCacheHits.Store(0)
	d.fsys.Metrics.TotalFDCacheMisses.Store(0)
	d.fsys.Metrics.TotalStreamPoolHits.Store(0)
	d.fsys.Metrics.TotalStreamPoolMisses.Store(0)
	d.fsys.Metrics.TotalStreamPoolHitBytes.Store(0)
	d.fsys.Metrics.TotalStreamPoolMissBytes.Store(0)

	d.rbuf.Println("Metrics reset via API.")

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "Metrics reset.")
}

func (d *FSDashboard) thresholdHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	val, err := humanize.ParseBytes(vars["value"])
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid string value: %v", err), http.StatusBadRequest)

		return
	}
	d.fsys.Options.StreamingThreshold.Store(val)

	d.rbuf.Printf("Streaming threshold set via API: %s.\n", humanize.Bytes(val))

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "Streaming threshold set: %s.\n", humanize.Bytes(val))
}

func (d *FSDashboard) booleanHandler(desc string, target *atomic.Bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)

		val, err := strconv.ParseBool(vars["value"])
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid boolean value: %v", err), http.StatusBadRequest)

			return
		}
		target.Store(val)

		d.rbuf.Printf("%s set via API: %t.\n", desc, val)

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "%s set: %t.\n", desc, val)
	}
}
