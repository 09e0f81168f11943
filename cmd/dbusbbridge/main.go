package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/gousb"

	"github.com/dronebridge/dbusbbridge/aoa"
	"github.com/dronebridge/dbusbbridge/bridge"
	"github.com/dronebridge/dbusbbridge/config"
	"github.com/dronebridge/dbusbbridge/diag"
	"github.com/dronebridge/dbusbbridge/endpoint"
	"github.com/dronebridge/dbusbbridge/frame"
	"github.com/dronebridge/dbusbbridge/util"
)

func main() {
	cfg, err := config.LoadFromOSArgs()
	if err != nil {
		if errors.Is(err, config.ErrUsageRequested) {
			fmt.Println(config.Usage)
			os.Exit(0)
		}
		log.Println(err)
		fmt.Println(config.Usage)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("main: shutdown signal received")
		cancel()
	}()

	endpoints, closeEndpoints, err := buildEndpoints(ctx, cfg)
	if err != nil {
		log.Fatalf("main: failed to activate local endpoints: %v", err)
	}
	defer func() {
		if err := closeEndpoints(); err != nil {
			log.Println(err)
		}
	}()

	engine := &bridge.Engine{
		VID:       gousb.ID(cfg.Device.VID),
		PID:       gousb.ID(cfg.Device.PID),
		Identity:  aoa.DefaultIdentity,
		Endpoints: endpoints,
	}

	if cfg.DiagAddr != "" {
		go serveDiag(cfg.DiagAddr, engine)
	}

	if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("main: bridge engine exited: %v", err)
	}
	log.Println("main: shut down cleanly")
}

// buildEndpoints activates exactly the local endpoints named by cfg,
// matching the "inactive endpoints are not present" rule: only flagged
// endpoints are dialed/bound at all.
func buildEndpoints(ctx context.Context, cfg config.Config) (map[frame.Port]endpoint.Endpoint, func() error, error) {
	endpoints := make(map[frame.Port]endpoint.Endpoint)

	if cfg.Video {
		v, err := endpoint.NewVideo(cfg.VideoSocketPath)
		if err != nil {
			return nil, nil, fmt.Errorf("video endpoint: %w", err)
		}
		endpoints[frame.PortVideo] = v
	}
	if cfg.Proxy {
		s, err := endpoint.NewStream(ctx, frame.PortProxy, cfg.ProxyAddr, endpoint.DefaultRetryInterval)
		if err != nil {
			return nil, nil, fmt.Errorf("proxy endpoint: %w", err)
		}
		endpoints[frame.PortProxy] = s
	}
	if cfg.Status {
		s, err := endpoint.NewStream(ctx, frame.PortStatus, cfg.StatusAddr, endpoint.DefaultRetryInterval)
		if err != nil {
			return nil, nil, fmt.Errorf("status endpoint: %w", err)
		}
		endpoints[frame.PortStatus] = s
	}
	if cfg.Comm {
		s, err := endpoint.NewStream(ctx, frame.PortComm, cfg.CommAddr, endpoint.DefaultRetryInterval)
		if err != nil {
			return nil, nil, fmt.Errorf("comm endpoint: %w", err)
		}
		endpoints[frame.PortComm] = s
	}

	closeAll := func() error {
		var errs []error
		for _, ep := range endpoints {
			if err := ep.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		return util.MergeErrors(errs)
	}
	return endpoints, closeAll, nil
}

func serveDiag(addr string, engine *bridge.Engine) {
	log.Printf("main: diagnostics listening on %s", addr)
	if err := http.ListenAndServe(addr, diag.Router(engine)); err != nil {
		log.Printf("main: diagnostics server stopped: %v", err)
	}
}
