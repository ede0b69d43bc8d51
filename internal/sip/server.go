package sip

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/siprouted/siprouted/internal/config"
)

// Server wraps the sipgo SIP stack: listening points on the configured
// transports, an OPTIONS responder, and the gateway registry that keeps
// upstream registrations alive.
type Server struct {
	cfg      *config.Config
	ua       *sipgo.UserAgent
	srv      *sipgo.Server
	client   *sipgo.Client
	resolver *AddressResolver
	registry *GatewayRegistry
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewServer creates the SIP stack and the gateway registry.
func NewServer(cfg *config.Config, source GatewaySource) (*Server, error) {
	logger := slog.Default().With("component", "sip")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(cfg.UserAgent),
		sipgo.WithUserAgentHostname(cfg.SIPHost()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(logger),
	)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	resolver := NewAddressResolver(cfg.ExternAddr)
	bindIP := cfg.SIPBindIP()
	for _, tp := range cfg.TransportList() {
		port := cfg.SIPPort
		if tp == "tls" || tp == "wss" {
			port = cfg.SIPTLSPort
		}
		resolver.AddListeningPoint(ListeningPoint{Transport: tp, IP: bindIP, Port: port})
	}

	registry := NewGatewayRegistry(logger, source, &clientSender{client: client},
		cfg.UserAgent, resolver, cfg.CheckExpires)

	s := &Server{
		cfg:      cfg,
		ua:       ua,
		srv:      srv,
		client:   client,
		resolver: resolver,
		registry: registry,
		logger:   logger,
	}

	s.srv.OnOptions(s.handleOptions)
	return s, nil
}

// Start begins listening on the configured transports and launches the
// gateway registry control loop.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	var tlsCfg *tls.Config
	if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCert, s.cfg.TLSKey)
		if err != nil {
			s.cancel()
			return fmt.Errorf("loading tls certificate: %w", err)
		}
		tlsCfg = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	for _, tp := range s.cfg.TransportList() {
		tp := tp
		port := s.cfg.SIPPort
		if tp == "tls" || tp == "wss" {
			port = s.cfg.SIPTLSPort
		}
		addr := fmt.Sprintf("0.0.0.0:%d", port)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("sip listener starting", "transport", tp, "addr", addr)

			var err error
			if tp == "tls" || tp == "wss" {
				err = s.srv.ListenAndServeTLS(ctx, tp, addr, tlsCfg)
			} else {
				err = s.srv.ListenAndServe(ctx, tp, addr)
			}
			if err != nil {
				s.logger.Error("sip listener stopped", "transport", tp, "error", err)
			}
		}()
	}

	s.registry.Start()
	return nil
}

// Stop shuts down the registry, all listeners, and the SIP stack.
func (s *Server) Stop() {
	s.logger.Info("stopping sip server")
	s.registry.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.client.Close()
	s.srv.Close()
	s.ua.Close()
	s.logger.Info("sip server stopped")
}

// Registry returns the gateway registry for status queries and one-shot
// registrations.
func (s *Server) Registry() *GatewayRegistry {
	return s.registry
}

// handleOptions responds to OPTIONS keepalive pings from upstream gateways.
func (s *Server) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	s.logger.Debug("sip options received",
		"from", req.From().Address.User,
		"source", req.Source(),
	)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, REGISTER, OPTIONS"))

	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to options", "error", err)
	}
}
