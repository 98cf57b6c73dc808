package lan

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

// advertiser publishes this device over mDNS.
type advertiser struct {
	server *zeroconf.Server
}

func startAdvertiser(cfg Config, name, serviceID string, port int) (*advertiser, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("display name is required")
	}
	if port <= 0 {
		return nil, errors.New("listening port must be > 0")
	}

	server, err := cfg.registerFn(name, cfg.Service, cfg.Domain, port, advertisedText(cfg, serviceID), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &advertiser{server: server}, nil
}

func advertisedText(cfg Config, serviceID string) []string {
	return []string{
		"endpoint_id=" + cfg.EndpointID,
		"service_id=" + serviceID,
		"version=" + strconv.Itoa(cfg.Version),
	}
}

func (a *advertiser) stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}
