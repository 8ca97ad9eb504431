package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime/pprof"

	"github.com/itzg/mc-srv-proxy/mcproto"
	"github.com/sirupsen/logrus"
)

type Server struct {
	ctx        context.Context
	config     *Config
	connector  *Connector
	cpuProfile *os.File
}

// validateConfig checks the options that cannot be defaulted
func validateConfig(config *Config) error {
	if config.Target == "" {
		return fmt.Errorf("target is required")
	}
	if len(config.EffectiveRewriteAddress()) > mcproto.MaxServerAddressLength {
		return fmt.Errorf("rewrite address is longer than %d bytes", mcproto.MaxServerAddressLength)
	}
	if config.BackendPort < 1 || config.BackendPort > 65535 {
		return fmt.Errorf("backend port %d is out of range", config.BackendPort)
	}
	return nil
}

func NewServer(ctx context.Context, config *Config) (*Server, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	backends, err := NewBackendResolver(config)
	if err != nil {
		return nil, fmt.Errorf("could not create backend resolver: %w", err)
	}

	metricsBuilder := NewMetricsBuilder(config.MetricsBackend, &config.MetricsBackendConfig)

	if config.ConnectionRateLimit < 1 {
		config.ConnectionRateLimit = 1
	}

	connector := NewConnector(ctx,
		metricsBuilder.BuildConnectorMetrics(),
		backends,
		config.EffectiveRewriteAddress(),
		config.UseProxyProtocol)
	connector.UseTimeouts(config.HandshakeTimeout, config.ConnectTimeout)

	clientFilter, err := NewClientFilter(config.ClientsToAllow, config.ClientsToDeny)
	if err != nil {
		return nil, fmt.Errorf("could not create client filter: %w", err)
	}
	connector.UseClientFilter(clientFilter)

	if config.Webhook.Url != "" {
		logrus.WithField("url", config.Webhook.Url).
			WithField("require-login", config.Webhook.RequireLogin).
			Info("Using webhook for connection status notifications")
		connector.UseConnectionNotifier(
			NewWebhookNotifier(config.Webhook.Url, config.Webhook.RequireLogin))
	}

	if config.Ngrok.Token != "" {
		connector.UseNgrok(config.Ngrok)
	}

	if config.ReceiveProxyProtocol {
		trustedIpNets := make([]*net.IPNet, 0)
		for _, ip := range config.TrustedProxies {
			_, ipNet, err := net.ParseCIDR(ip)
			if err != nil {
				return nil, fmt.Errorf("could not parse trusted proxy CIDR block: %w", err)
			}
			trustedIpNets = append(trustedIpNets, ipNet)
		}

		connector.UseReceiveProxyProto(trustedIpNets)
	}

	if config.ApiBinding != "" {
		StartApiServer(ctx, config.ApiBinding, NewApiRouter(backends, config.MetricsBackend))
	}

	err = metricsBuilder.Start(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not start metrics reporter: %w", err)
	}

	s := &Server{
		ctx:       ctx,
		config:    config,
		connector: connector,
	}

	if config.CpuProfile != "" {
		cpuProfileFile, err := os.Create(config.CpuProfile)
		if err != nil {
			return nil, fmt.Errorf("could not create cpu profile file: %w", err)
		}

		logrus.WithField("file", config.CpuProfile).Info("Starting cpu profiling")
		err = pprof.StartCPUProfile(cpuProfileFile)
		if err != nil {
			_ = cpuProfileFile.Close()
			return nil, fmt.Errorf("could not start cpu profile: %w", err)
		}
		s.cpuProfile = cpuProfileFile
	}

	logrus.
		WithField("target", config.Target).
		WithField("srv", config.Srv).
		WithField("rewriteAddress", config.EffectiveRewriteAddress()).
		Info("Configured backend")

	return s, nil
}

// AcceptConnection provides a way to externally supply a connection to consume
// Note that this will skip rate limiting.
func (s *Server) AcceptConnection(conn net.Conn) {
	s.connector.AcceptConnection(conn)
}

// Run will run the server until the context is done or a fatal error occurs.
// In-flight passthroughs are waited on before returning.
func (s *Server) Run() error {
	defer s.stopCpuProfile()

	_, err := s.connector.StartAcceptingConnections(s.config.Bind, s.config.ConnectionRateLimit)
	if err != nil {
		return fmt.Errorf("could not start accepting connections: %w", err)
	}

	<-s.ctx.Done()
	logrus.Info("Server Stopping. Waiting for connections to complete...")
	s.connector.WaitForConnections()
	logrus.Info("Stopped")
	return nil
}

func (s *Server) stopCpuProfile() {
	if s.cpuProfile != nil {
		pprof.StopCPUProfile()
		//goland:noinspection GoUnhandledErrorResult
		s.cpuProfile.Close()
	}
}
