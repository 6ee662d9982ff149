package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"runtime"

	"github.com/hydrascope/dcrfgate/internal/common"
	"github.com/hydrascope/dcrfgate/internal/server"
	log "github.com/sirupsen/logrus"
)

var version string

func main() {
	var config string

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	flag.StringVar(&config, "c", "dcrfgate.json", "config: path to the configuration file or its content")
	askVersion := flag.Bool("v", false, "Print the version number")
	printUsage := flag.Bool("h", false, "Print this message")
	pprofAddr := flag.String("d", "", "debug use: ip:port to be listened by pprof profiler")
	verbosity := flag.String("verbosity", "info", "verbosity level")
	flag.Parse()

	if *askVersion {
		fmt.Printf("dcrfgate %s", version)
		return
	}
	if *printUsage {
		flag.Usage()
		return
	}

	if *pprofAddr != "" {
		runtime.SetBlockProfileRate(5)
		go func() {
			log.Info(http.ListenAndServe(*pprofAddr, nil))
		}()
		log.Infof("pprof listening on %v", *pprofAddr)
	}

	lvl, err := log.ParseLevel(*verbosity)
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(lvl)

	sta, err := server.InitState(common.RealWorldState)
	if err != nil {
		log.Fatalf("unable to initialise server state: %v", err)
	}
	if err = sta.ParseConfig(config); err != nil {
		log.Fatalf("Configuration file error: %v", err)
	}
	defer sta.Manager.Close()

	bindAddr := sta.BindAddr
	// in case the user hasn't specified any local address to bind to, we listen on 8000
	if len(bindAddr) == 0 {
		addr, _ := net.ResolveTCPAddr("tcp", ":8000")
		bindAddr = []net.Addr{addr}
	}

	listen := func(bindAddr net.Addr) {
		listener, err := net.Listen("tcp", bindAddr.String())
		if err != nil {
			log.Fatal(err)
		}
		log.WithFields(log.Fields{
			"path":        sta.Path,
			"requireAuth": sta.RequireAuth,
		}).Infof("Listening on %v", bindAddr)
		log.Fatal(server.Serve(listener, sta))
	}

	for i, addr := range bindAddr {
		if i != len(bindAddr)-1 {
			go listen(addr)
		} else {
			// we block the main goroutine here so it doesn't quit
			listen(addr)
		}
	}
}
