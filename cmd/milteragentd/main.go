// Command milteragentd is the external wrapper around agent.Acceptor: flag
// parsing, config loading, OS signal plumbing and process exit codes. The
// core protocol/filter engine lives in agent/milter/internal/config/report;
// this file only handles process lifecycle, not message evaluation.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nsmail/milteragent/agent"
	"github.com/nsmail/milteragent/config"
)

const defaultListen = "[::]:8892"

func loadConfig(path string) (*config.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cfg, err := config.Load(f)
	if err != nil {
		return nil, err
	}
	if cfg.Listen == "" {
		cfg.Listen = defaultListen
	}
	return cfg, nil
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "/etc/milteragent.conf", "path to the configuration file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Printf("milteragentd: loading %s: %v", *configPath, err)
		return 1
	}

	a := agent.NewAcceptor(cfg)

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		log.Printf("milteragentd: listen on %s: %v", cfg.Listen, err)
		return 1
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.Serve(ln); err != nil {
			log.Printf("milteragentd: serve: %v", err)
		}
	}()
	log.Printf("milteragentd: listening on %s", cfg.Listen)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)
	for s := range sig {
		switch s {
		case syscall.SIGHUP:
			newCfg, err := loadConfig(*configPath)
			if err != nil {
				log.Printf("milteragentd: reload %s: %v", *configPath, err)
				continue
			}
			a.Reload(newCfg)
			log.Printf("milteragentd: config reloaded from %s", *configPath)
		case syscall.SIGTERM, syscall.SIGINT:
			log.Printf("milteragentd: shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_ = a.Shutdown(ctx)
			cancel()
			wg.Wait()
			return 0
		}
	}
	return 0
}
