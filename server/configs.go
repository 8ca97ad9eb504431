package server

import (
	"time"
)

type WebhookConfig struct {
	Url          string `usage:"If set, a POST request that contains connection status notifications will be sent to this HTTP address"`
	RequireLogin bool   `default:"false" usage:"Indicates if the webhook will only be called for login-intent connections rather than just server list/ping"`
}

type NgrokConfig struct {
	Token      string `usage:"If set, an ngrok tunnel will be established and client connections accepted from it. It is HIGHLY recommended to pass as an environment variable."`
	RemoteAddr string `usage:"If set, the TCP address to request for this edge"`
}

type DnsConfig struct {
	Servers    []string      `usage:"Comma delimited [host:port] of DNS servers to query for SRV records. Defaults to the nameservers of resolv-conf"`
	ResolvConf string        `default:"/etc/resolv.conf" usage:"The resolv.conf [path] to read nameservers from"`
	Timeout    time.Duration `default:"5s" usage:"Timeout of each SRV query"`
	CacheTtl   time.Duration `default:"0s" usage:"If positive, SRV lookups are cached for this long"`
}

type Config struct {
	Bind           string `default:":25565" usage:"The [host:port] bound to listen for Minecraft client connections"`
	Target         string `usage:"The backend hostname, or when srv is enabled, the domain to look up _minecraft._tcp SRV records"`
	Srv            bool   `default:"false" usage:"Resolve backends from SRV records of the target rather than connecting directly"`
	SrvService     string `default:"minecraft" usage:"The [service] name queried as _service._tcp.target"`
	BackendPort    int    `default:"25565" usage:"The [port] used to connect to the target when srv is disabled"`
	RewriteAddress string `usage:"The server address placed in handshakes forwarded to backends. Defaults to the target"`

	Dns DnsConfig

	ConnectTimeout      time.Duration `default:"10s" usage:"Timeout for each backend connection attempt"`
	HandshakeTimeout    time.Duration `default:"5s" usage:"Time allowed for a client to send its handshake"`
	ConnectionRateLimit int           `default:"10" usage:"Max number of connections to allow per second"`

	ApiBinding           string `usage:"The [host:port] bound for servicing API requests"`
	CpuProfile           string `usage:"Enables CPU profiling and writes to given path"`
	MetricsBackend       string `default:"discard" usage:"Backend to use for metrics exposure/publishing: discard,expvar,influxdb,prometheus"`
	MetricsBackendConfig MetricsBackendConfig

	UseProxyProtocol     bool     `default:"false" usage:"Send PROXY protocol to backend servers"`
	ReceiveProxyProtocol bool     `default:"false" usage:"Receive PROXY protocol from clients, by default trusts every proxy header that it receives, combine with -trusted-proxies to specify a list of trusted proxies"`
	TrustedProxies       []string `usage:"Comma delimited list of CIDR notation IP blocks to trust when receiving PROXY protocol"`

	ClientsToAllow []string `usage:"Zero or more client IP addresses or CIDRs to allow. Takes precedence over deny."`
	ClientsToDeny  []string `usage:"Zero or more client IP addresses or CIDRs to deny. Ignored if any configured to allow"`

	Ngrok   NgrokConfig
	Webhook WebhookConfig `usage:"Webhook configuration"`
}

// EffectiveRewriteAddress is the server address that forwarded handshakes will carry
func (c *Config) EffectiveRewriteAddress() string {
	if c.RewriteAddress != "" {
		return c.RewriteAddress
	}
	return c.Target
}
