package sip

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/siprouted/siprouted/internal/database/models"
)

const (
	// startupDelay is how long the registry waits after Start before the
	// first registration pass, giving the listening points time to bind.
	startupDelay = 10 * time.Second

	// defaultExpires is requested when a gateway does not configure one.
	defaultExpires = 3600
)

// GatewaySource supplies the set of gateways to keep registered. The database
// layer implements it; tests substitute a fixture.
type GatewaySource interface {
	GetGateways(ctx context.Context) ([]models.Gateway, error)
}

// RequestSender sends one SIP request and returns its final response.
type RequestSender interface {
	Do(ctx context.Context, req *sip.Request) (*sip.Response, error)
}

// clientSender adapts a sipgo client transaction to RequestSender, skipping
// provisional responses.
type clientSender struct {
	client *sipgo.Client
}

func (s *clientSender) Do(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := s.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer tx.Terminate()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
		case res := <-tx.Responses():
			if res.StatusCode < 200 {
				continue
			}
			return res, nil
		}
	}
}

// natBinding is the public (address, port) a registrar reported seeing us
// from, learned from the received/rport Via parameters of its responses.
// Bindings are per transport since each has its own socket.
type natBinding struct {
	received string
	rport    int
}

// GatewayRegistry keeps outbound GIN registrations alive for all configured
// gateways. A control loop re-checks every gateway on a fixed period and
// dispatches a REGISTER for each binding whose cached registration is absent
// or expired. Registration state lives only in the cache; the loop always
// rebuilds its picture from the gateway source and the cache together.
type GatewayRegistry struct {
	logger       *slog.Logger
	source       GatewaySource
	sender       RequestSender
	builder      *registerBuilder
	cache        *RegistrationCache
	checkExpires int // minutes

	mu      sync.Mutex
	nat     map[string]natBinding // keyed by upper-case transport
	pending map[string]struct{}   // URIs with a dispatch in flight

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGatewayRegistry creates a registry. checkExpires is the control loop
// period in minutes and also sizes the cache write-expiry.
func NewGatewayRegistry(logger *slog.Logger, source GatewaySource, sender RequestSender, userAgent string, resolver *AddressResolver, checkExpires int) *GatewayRegistry {
	writeExpiry := time.Duration(checkExpires) * time.Minute
	return &GatewayRegistry{
		logger:       logger.With("subsystem", "gateway-registry"),
		source:       source,
		sender:       sender,
		builder:      newRegisterBuilder(userAgent, resolver),
		cache:        NewRegistrationCache(writeExpiry),
		checkExpires: checkExpires,
		nat:          make(map[string]natBinding),
		pending:      make(map[string]struct{}),
	}
}

// Start launches the control loop and the cache eviction reaper.
func (r *GatewayRegistry) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.cache.RunEviction(ctx)
	}()
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()
}

// Stop cancels the control loop and waits for in-flight dispatches to drain.
func (r *GatewayRegistry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("gateway registry stopped")
}

// run drives the periodic registration check. Errors inside a pass are
// logged and absorbed; the loop itself never exits except on cancellation.
func (r *GatewayRegistry) run(ctx context.Context) {
	r.logger.Info("starting gateway registry",
		"initial_delay", startupDelay.String(),
		"check_period_minutes", r.checkExpires,
	)

	select {
	case <-ctx.Done():
		return
	case <-time.After(startupDelay):
	}

	r.tick(ctx)

	ticker := time.NewTicker(time.Duration(r.checkExpires) * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// tick runs one registration pass, absorbing any error.
func (r *GatewayRegistry) tick(ctx context.Context) {
	if err := r.checkRegistrations(ctx); err != nil {
		r.logger.Error("registration check failed", "error", err)
	}
}

// checkRegistrations walks all gateways and dispatches a REGISTER for every
// binding whose cached registration is missing or expired. A gateway's
// additional registry hosts share the primary registration's lifetime: they
// are refreshed whenever the primary binding needs refreshing.
func (r *GatewayRegistry) checkRegistrations(ctx context.Context) error {
	gateways, err := r.source.GetGateways(ctx)
	if err != nil {
		return fmt.Errorf("loading gateways: %w", err)
	}

	for _, gw := range gateways {
		if !gw.HasCredentials() {
			continue
		}

		primaryURI := GatewayURI(gw.Username, gw.Host)
		if !r.cache.IsExpired(primaryURI) {
			continue
		}

		r.dispatch(ctx, gw, gw.Host)
		for _, host := range gw.RegistryHosts() {
			r.dispatch(ctx, gw, host)
		}
	}
	return nil
}

// dispatchTimeout bounds one in-flight registration attempt. Dispatches
// outlive the control loop context so a shutdown does not abort a REGISTER
// already on the wire; the timeout keeps Stop from waiting on a dead network.
const dispatchTimeout = 30 * time.Second

// dispatch sends a REGISTER for one gateway binding in its own goroutine.
// Only one dispatch per URI may be in flight at a time; extra requests are
// dropped and picked up on the next pass.
func (r *GatewayRegistry) dispatch(ctx context.Context, gw models.Gateway, host string) {
	uri := GatewayURI(gw.Username, host)

	r.mu.Lock()
	if _, inflight := r.pending[uri]; inflight {
		r.mu.Unlock()
		return
	}
	r.pending[uri] = struct{}{}
	r.mu.Unlock()

	// Detach from the loop context: cancellation stops new passes, but a
	// dispatch already in flight runs to completion and its late response
	// still lands in the cache.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatchTimeout)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		defer func() {
			r.mu.Lock()
			delete(r.pending, uri)
			r.mu.Unlock()
		}()

		if err := r.registerOnce(sendCtx, gw, host); err != nil {
			r.cache.Invalidate(uri)
			r.logger.Warn("gateway registration failed",
				"gateway", gw.Name,
				"host", host,
				"error", err,
			)
		}
	}()
}

// registerOnce sends a single REGISTER to one registrar host and processes
// its response, following one digest challenge if issued.
func (r *GatewayRegistry) registerOnce(ctx context.Context, gw models.Gateway, host string) error {
	expires := gw.Expires
	if expires <= 0 {
		expires = defaultExpires
	}

	received, rport := r.natFor(gw.Transport)

	req, err := r.builder.BuildRegister(gw.Username, gw.Ref, host, gw.Transport, received, rport, expires)
	if err != nil {
		return err
	}

	r.logger.Debug("sending register",
		"gateway", gw.Name,
		"host", host,
		"transport", gw.Transport,
		"expires", expires,
	)

	res, err := r.sender.Do(ctx, req)
	if err != nil {
		return err
	}

	return r.handleRegisterResponse(ctx, gw, host, req, res, expires, true)
}

// handleRegisterResponse processes a registrar's final response. allowAuth
// guards against challenge loops: a challenge to an already-authenticated
// request is a failure.
func (r *GatewayRegistry) handleRegisterResponse(ctx context.Context, gw models.Gateway, host string, req *sip.Request, res *sip.Response, requested int, allowAuth bool) error {
	r.learnNATBinding(gw.Transport, res)

	switch {
	case res.StatusCode == 200:
		return r.storeRegistration(ctx, gw, host, res, requested)

	case res.StatusCode == 401 || res.StatusCode == 407:
		if !allowAuth {
			return fmt.Errorf("registrar rejected credentials with status %d %s", res.StatusCode, res.Reason)
		}
		return r.answerChallenge(ctx, gw, host, req, res, requested)

	default:
		return fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}
}

// answerChallenge re-issues a challenged REGISTER with digest credentials as
// a fresh transaction.
func (r *GatewayRegistry) answerChallenge(ctx context.Context, gw models.Gateway, host string, req *sip.Request, res *sip.Response, requested int) error {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if res.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	challenge := res.GetHeader(authHeader)
	if challenge == nil {
		return fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
	}

	chal, err := digest.ParseChallenge(challenge.Value())
	if err != nil {
		return fmt.Errorf("parsing auth challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      "sip:" + host,
		Username: gw.Username,
		Password: gw.Password,
	})
	if err != nil {
		return fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	freshenVia(authReq)
	if cseq := authReq.CSeq(); cseq != nil {
		cseq.SeqNo = r.builder.nextCSeq()
	}
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

	authRes, err := r.sender.Do(ctx, authReq)
	if err != nil {
		return fmt.Errorf("sending authenticated register: %w", err)
	}

	return r.handleRegisterResponse(ctx, gw, host, authReq, authRes, requested, false)
}

// storeRegistration records a successful registration in the cache. The
// effective lifetime is the granted expiry shortened by two check periods so
// a refresh is always dispatched before the registrar-side binding lapses.
// It is recorded even when it comes out non-positive; such a record reads as
// already expired and forces a refresh on the very next pass.
func (r *GatewayRegistry) storeRegistration(ctx context.Context, gw models.Gateway, host string, res *sip.Response, requested int) error {
	granted := requested
	if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
		if parsed := parseContactExpires(contactHdr.Value()); parsed > 0 {
			granted = parsed
		}
	} else if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if parsed := parseExpiresHeader(expiresHdr.Value()); parsed > 0 {
			granted = parsed
		}
	}

	effective := granted - 2*60*r.checkExpires

	uri := GatewayURI(gw.Username, host)
	if to := res.To(); to != nil && to.Address.User != "" && to.Address.Host != "" {
		uri = GatewayURI(to.Address.User, to.Address.Host)
	}

	ip := r.resolveHostIP(ctx, host)

	r.cache.Put(uri, Registration{
		Username:     gw.Username,
		Host:         host,
		IP:           ip,
		Expires:      effective,
		RegisteredOn: time.Now().UnixMilli(),
	})

	r.logger.Info("gateway registered",
		"gateway", gw.Name,
		"uri", uri,
		"granted_expires", granted,
		"effective_expires", effective,
	)
	return nil
}

// learnNATBinding records the received/rport parameters a registrar echoed
// in the topmost Via, so later requests on the same transport advertise the
// public address.
func (r *GatewayRegistry) learnNATBinding(transport string, res *sip.Response) {
	via := res.Via()
	if via == nil {
		return
	}

	var binding natBinding
	if received, ok := via.Params.Get("received"); ok && received != "" {
		binding.received = received
	}
	if rportStr, ok := via.Params.Get("rport"); ok && rportStr != "" {
		if rport, err := strconv.Atoi(rportStr); err == nil && rport > 0 {
			binding.rport = rport
		}
	}
	if binding.received == "" && binding.rport == 0 {
		return
	}

	r.mu.Lock()
	r.nat[strings.ToUpper(transport)] = binding
	r.mu.Unlock()
}

// natFor returns the learned NAT binding for a transport, zero values when
// none is known yet.
func (r *GatewayRegistry) natFor(transport string) (string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.nat[strings.ToUpper(transport)]
	return b.received, b.rport
}

// resolveHostIP resolves the registrar host to a single address for display.
// Best effort: the hostname stands in when resolution fails.
func (r *GatewayRegistry) resolveHostIP(ctx context.Context, host string) string {
	if ip := net.ParseIP(host); ip != nil {
		return host
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil || len(addrs) == 0 {
		return host
	}
	return addrs[0].IP.String()
}

// RegisterNow performs a one-shot registration pass for a single gateway,
// outside the periodic loop. Used by the operator API.
func (r *GatewayRegistry) RegisterNow(ctx context.Context, gw models.Gateway) error {
	if !gw.HasCredentials() {
		return fmt.Errorf("gateway %q has no credentials", gw.Name)
	}

	if err := r.registerOnce(ctx, gw, gw.Host); err != nil {
		r.cache.Invalidate(GatewayURI(gw.Username, gw.Host))
		return err
	}
	for _, host := range gw.RegistryHosts() {
		if err := r.registerOnce(ctx, gw, host); err != nil {
			r.cache.Invalidate(GatewayURI(gw.Username, host))
			return err
		}
	}
	return nil
}

// Snapshot returns all live registrations.
func (r *GatewayRegistry) Snapshot() []Registration {
	return r.cache.Snapshot()
}

// IsRegistered reports whether a live, unexpired registration exists for a
// username/host binding.
func (r *GatewayRegistry) IsRegistered(username, host string) bool {
	return !r.cache.IsExpired(GatewayURI(username, host))
}

// GatewayURI is the cache key for one registration binding.
func GatewayURI(username, host string) string {
	return fmt.Sprintf("sip:%s@%s", username, host)
}
