// Command rpccored is a minimal process wrapper around an rpccore.Server:
// it parses flags, starts a single rpctransport listener, serves prometheus
// metrics, and drains on SIGINT/SIGTERM. It exists to give the library a
// runnable shape; real embedders call rpccore directly.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/linkerd/rpc-core/pkg/flags"
	"github.com/linkerd/rpc-core/rpccore"
	"github.com/linkerd/rpc-core/rpctransport"
)

func main() {
	addr := flag.String("addr", ":7575", "address to accept streams on")
	metricsAddr := flag.String("metrics-addr", ":9995", "address to serve scrapable metrics on")
	maxRequestedCalls := flag.Int("max-requested-calls", rpccore.DefaultMaxRequestedCalls,
		"bound on outstanding request tickets")
	flags.ConfigureAndParse()

	server := rpccore.NewServer(rpccore.WithMaxRequestedCalls(*maxRequestedCalls))

	reg := prometheus.NewRegistry()
	server.Register(reg)

	tl := &rpctransport.Listener{Addr: *addr}
	server.AddListener(&rpccore.Listener{Start: tl.Start, Destroy: tl.Destroy})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	if err := server.Start(); err != nil {
		log.Fatalf("rpccored: failed to start: %v", err)
	}

	go func() {
		log.Infof("rpccored: serving scrapable metrics on %s", *metricsAddr)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			log.Errorf("rpccored: metrics server stopped: %v", err)
		}
	}()

	<-stop
	log.Infof("rpccored: shutting down")

	done := rpccore.NewChanCompletionQueue(1)
	server.RegisterCompletionQueue(done)
	server.ShutdownAndNotify(done, "shutdown")
	<-done.Events

	if err := server.Destroy(); err != nil {
		log.Errorf("rpccored: destroy failed: %v", err)
	}
}
