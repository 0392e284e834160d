// Command kcorestat initializes a simulated page allocator and buffer cache
// and reports their state, either as Prometheus metrics served over HTTP or
// as a one-shot pprof profile dump — a diagnostic harness for the core, not
// a kernel entry point. It runs no workload against them.
package main

import (
	"net/http"
	"os"

	"github.com/pkg/errors"
	"github.com/povilasv/prommod"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"rv6/diag"
	"rv6/fs"
	"rv6/mem"
	"rv6/metrics"
)

var (
	listenAddr = kingpin.Flag("web.listen-address", "Address to serve Prometheus metrics on.").Default(":9127").String()
	ncpu       = kingpin.Flag("ncpu", "Number of simulated CPU shards.").Default("4").Int()
	npages     = kingpin.Flag("npages", "Number of simulated physical pages.").Default("4096").Int()
	nbuf       = kingpin.Flag("nbuf", "Number of buffer cache slots.").Default("64").Int()
	profileOut = kingpin.Flag("profile-out", "If set, write a one-shot pprof profile pair here instead of serving metrics.").String()
)

type nullDisk struct{}

func (nullDisk) ReadBlock(dev, blockno uint32, data []byte) error  { return nil }
func (nullDisk) WriteBlock(dev, blockno uint32, data []byte) error { return nil }

func main() {
	kingpin.Version(version.Print("kcorestat"))
	kingpin.Parse()

	alloc := &mem.PageAlloc_t{}
	alloc.Kinit(make([]byte, (*npages+8)*mem.PGSIZE), 0, mem.Pa_t(4*mem.PGSIZE), mem.Pa_t((*npages+4)*mem.PGSIZE), *ncpu)

	cache := &fs.Cache_t{}
	cache.Binit(*nbuf, nullDisk{})

	if *profileOut != "" {
		dumpProfiles(alloc, cache, *profileOut)
		return
	}
	serveMetrics(alloc, cache, *listenAddr)
}

func dumpProfiles(alloc *mem.PageAlloc_t, cache *fs.Cache_t, prefix string) {
	allocFile, err := os.Create(prefix + ".allocator.pprof")
	if err != nil {
		kingpin.Fatalf("%v", errors.Wrap(err, "create allocator profile"))
	}
	defer allocFile.Close()
	if err := diag.DumpAllocatorProfile(allocFile, alloc); err != nil {
		kingpin.Fatalf("%v", errors.Wrap(err, "dump allocator profile"))
	}

	cacheFile, err := os.Create(prefix + ".bcache.pprof")
	if err != nil {
		kingpin.Fatalf("%v", errors.Wrap(err, "create cache profile"))
	}
	defer cacheFile.Close()
	if err := diag.DumpCacheProfile(cacheFile, cache); err != nil {
		kingpin.Fatalf("%v", errors.Wrap(err, "dump cache profile"))
	}
}

func serveMetrics(alloc *mem.PageAlloc_t, cache *fs.Cache_t, addr string) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(alloc, cache))
	reg.MustRegister(prommod.NewCollector("kcorestat"))
	reg.MustRegister(version.NewCollector("kcorestat"))

	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	err := errors.Wrap(http.ListenAndServe(addr, nil), "serve metrics")
	kingpin.Fatalf("%v", err)
}
