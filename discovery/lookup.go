package discovery

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DefaultResolvConf = "/etc/resolv.conf"
	DefaultDnsTimeout = 5 * time.Second
	defaultCacheSize  = 128
)

// ErrNoRecords indicates the lookup succeeded but there is no usable SRV record for the name
var ErrNoRecords = errors.New("no SRV records found")

// Lookup retrieves the SRV records published for a service
type Lookup interface {
	LookupSRV(ctx context.Context, service, proto, name string) ([]SrvRecord, error)
}

type DnsConfig struct {
	// Servers are host or host:port of DNS servers to query in order. When empty,
	// the nameservers of ResolvConf are used.
	Servers    []string
	ResolvConf string
	// Timeout applies to each query sent to a server
	Timeout time.Duration
	// CacheTtl enables caching of looked up records when positive
	CacheTtl time.Duration
}

// DnsClient performs SRV lookups directly against DNS servers
type DnsClient struct {
	servers []string
	udp     *dns.Client
	tcp     *dns.Client
	cache   *expirable.LRU[string, []SrvRecord]
}

func NewDnsClient(config DnsConfig) (*DnsClient, error) {
	servers, err := resolveServers(config)
	if err != nil {
		return nil, err
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultDnsTimeout
	}

	client := &DnsClient{
		servers: servers,
		udp:     &dns.Client{Net: "udp", Timeout: timeout},
		tcp:     &dns.Client{Net: "tcp", Timeout: timeout},
	}
	if config.CacheTtl > 0 {
		client.cache = expirable.NewLRU[string, []SrvRecord](defaultCacheSize, nil, config.CacheTtl)
	}

	logrus.
		WithField("servers", servers).
		WithField("cacheTtl", config.CacheTtl).
		Debug("Created DNS client")
	return client, nil
}

func resolveServers(config DnsConfig) ([]string, error) {
	var servers []string
	if len(config.Servers) > 0 {
		for _, server := range config.Servers {
			servers = append(servers, withDefaultPort(server, "53"))
		}
		return servers, nil
	}

	resolvConf := config.ResolvConf
	if resolvConf == "" {
		resolvConf = DefaultResolvConf
	}
	clientConfig, err := dns.ClientConfigFromFile(resolvConf)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read nameservers from %s", resolvConf)
	}
	for _, server := range clientConfig.Servers {
		servers = append(servers, net.JoinHostPort(server, clientConfig.Port))
	}
	if len(servers) == 0 {
		return nil, errors.Errorf("no nameservers declared in %s", resolvConf)
	}
	return servers, nil
}

func withDefaultPort(server string, port string) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(strings.Trim(server, "[]"), port)
}

// ServiceName builds the fully qualified name queried for a service, such as
// _minecraft._tcp.example.com.
func ServiceName(service, proto, name string) string {
	return dns.Fqdn(fmt.Sprintf("_%s._%s.%s", service, proto, strings.TrimSuffix(name, ".")))
}

// LookupSRV queries each configured server in turn until one gives an authoritative answer.
// A name that does not exist, or that has no usable records, results in ErrNoRecords.
func (d *DnsClient) LookupSRV(ctx context.Context, service, proto, name string) ([]SrvRecord, error) {
	qname := ServiceName(service, proto, name)

	if d.cache != nil {
		if records, ok := d.cache.Get(qname); ok {
			logrus.WithField("name", qname).Trace("Using cached SRV records")
			return slices.Clone(records), nil
		}
	}

	msg := new(dns.Msg)
	msg.SetQuestion(qname, dns.TypeSRV)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range d.servers {
		resp, err := d.exchange(ctx, msg, server)
		if err != nil {
			logrus.
				WithError(err).
				WithField("server", server).
				WithField("name", qname).
				Debug("SRV query failed")
			lastErr = errors.Wrapf(err, "SRV query to %s failed", server)
			if ctx.Err() != nil {
				return nil, lastErr
			}
			continue
		}

		switch resp.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return nil, errors.Wrapf(ErrNoRecords, "%s does not exist", qname)
		default:
			lastErr = errors.Errorf("server %s answered %s for %s", server, dns.RcodeToString[resp.Rcode], qname)
			continue
		}

		records := recordsFromAnswer(resp.Answer)
		if len(records) == 0 {
			return nil, errors.Wrapf(ErrNoRecords, "for %s", qname)
		}

		logrus.
			WithField("name", qname).
			WithField("server", server).
			WithField("records", len(records)).
			Debug("Looked up SRV records")
		if d.cache != nil {
			d.cache.Add(qname, slices.Clone(records))
		}
		return records, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no DNS servers to query")
	}
	return nil, lastErr
}

func (d *DnsClient) exchange(ctx context.Context, msg *dns.Msg, server string) (*dns.Msg, error) {
	resp, _, err := d.udp.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, err
	}
	if resp.Truncated {
		logrus.WithField("server", server).Trace("Retrying truncated SRV answer over TCP")
		resp, _, err = d.tcp.ExchangeContext(ctx, msg, server)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func recordsFromAnswer(answer []dns.RR) []SrvRecord {
	records := make([]SrvRecord, 0, len(answer))
	for _, rr := range answer {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}
		// a lone "." target declares the service unavailable at this domain
		if srv.Target == "." {
			continue
		}
		records = append(records, SrvRecord{
			Priority: srv.Priority,
			Weight:   srv.Weight,
			Port:     srv.Port,
			Target:   srv.Target,
		})
	}
	return records
}
