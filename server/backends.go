package server

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/itzg/mc-srv-proxy/discovery"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// BackendResolver provides the ordered backend candidates for a single client connection.
// Each call starts from fresh state.
type BackendResolver interface {
	Candidates(ctx context.Context) (*discovery.Candidates, error)
}

// NewDirectBackend always resolves to the one given host and port
func NewDirectBackend(host string, port uint16) BackendResolver {
	return &directBackend{
		record: discovery.SrvRecord{Target: host, Port: port},
	}
}

type directBackend struct {
	record discovery.SrvRecord
}

func (d *directBackend) Candidates(_ context.Context) (*discovery.Candidates, error) {
	return discovery.NewCandidates([]discovery.SrvRecord{d.record}, nil), nil
}

func (d *directBackend) String() string {
	return d.record.HostPort()
}

// NewSrvBackend resolves candidates by looking up _service._tcp.domain on every call
func NewSrvBackend(lookup discovery.Lookup, service string, domain string) BackendResolver {
	return &srvBackend{
		lookup:  lookup,
		service: service,
		domain:  domain,
		rand:    discovery.DefaultRand,
	}
}

type srvBackend struct {
	lookup  discovery.Lookup
	service string
	domain  string
	rand    discovery.Rand
}

func (s *srvBackend) Candidates(ctx context.Context) (*discovery.Candidates, error) {
	records, err := s.lookup.LookupSRV(ctx, s.service, "tcp", s.domain)
	if err != nil {
		return nil, errors.Wrapf(err, "could not resolve backends for %s", s)
	}

	logrus.
		WithField("name", s.String()).
		WithField("records", records).
		Debug("Resolved backend candidates")
	return discovery.NewCandidates(records, s.rand), nil
}

func (s *srvBackend) String() string {
	return discovery.ServiceName(s.service, "tcp", s.domain)
}

// NewBackendResolver selects the direct or SRV based resolver from the config
func NewBackendResolver(config *Config) (BackendResolver, error) {
	if !config.Srv {
		if config.BackendPort < 1 || config.BackendPort > 65535 {
			return nil, errors.Errorf("backend port %d is out of range", config.BackendPort)
		}
		return NewDirectBackend(config.Target, uint16(config.BackendPort)), nil
	}

	client, err := discovery.NewDnsClient(discovery.DnsConfig{
		Servers:    config.Dns.Servers,
		ResolvConf: config.Dns.ResolvConf,
		Timeout:    config.Dns.Timeout,
		CacheTtl:   config.Dns.CacheTtl,
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not create DNS client")
	}
	return NewSrvBackend(client, config.SrvService, config.Target), nil
}

// splitHostPort is net.SplitHostPort with a numeric port
func splitHostPort(hostPort string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %s: %w", hostPort, err)
	}
	return host, port, nil
}
