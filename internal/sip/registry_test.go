package sip

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/siprouted/siprouted/internal/database/models"
)

// fakeSource serves a fixed gateway list.
type fakeSource struct {
	gateways []models.Gateway
}

func (s *fakeSource) GetGateways(ctx context.Context) ([]models.Gateway, error) {
	return s.gateways, nil
}

// fakeSender records requests and answers each with the scripted respond
// function.
type fakeSender struct {
	mu       sync.Mutex
	requests []*sip.Request
	respond  func(req *sip.Request) (*sip.Response, error)
}

func (s *fakeSender) Do(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	return s.respond(req)
}

func (s *fakeSender) sent() []*sip.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*sip.Request(nil), s.requests...)
}

// failingSource fails every gateway lookup.
type failingSource struct {
	err error
}

func (s *failingSource) GetGateways(ctx context.Context) ([]models.Gateway, error) {
	return nil, s.err
}

// contextSender answers with a respond function that sees the send context.
type contextSender struct {
	respond func(ctx context.Context, req *sip.Request) (*sip.Response, error)
}

func (s *contextSender) Do(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	return s.respond(ctx, req)
}

func okResponse(req *sip.Request, expires int) *sip.Response {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))
	return res
}

func testRegistry(t *testing.T, source GatewaySource, sender RequestSender) *GatewayRegistry {
	t.Helper()
	resolver := NewAddressResolver("")
	resolver.AddListeningPoint(ListeningPoint{Transport: "udp", IP: "192.168.1.10", Port: 5060})
	return NewGatewayRegistry(slog.Default(), source, sender, "siprouted", resolver, 1)
}

func testGateway() models.Gateway {
	return models.Gateway{
		ID:        1,
		Ref:       "gw-ref",
		Name:      "upstream",
		Enabled:   true,
		Username:  "gw1",
		Password:  "secret",
		Host:      "sip.example.com",
		Transport: "udp",
		Expires:   3600,
	}
}

func TestCheckRegistrations_RegistersAndCaches(t *testing.T) {
	sender := &fakeSender{respond: func(req *sip.Request) (*sip.Response, error) {
		return okResponse(req, 3600), nil
	}}
	r := testRegistry(t, &fakeSource{gateways: []models.Gateway{testGateway()}}, sender)

	if err := r.checkRegistrations(context.Background()); err != nil {
		t.Fatalf("checkRegistrations: %v", err)
	}
	r.wg.Wait()

	if got := len(sender.sent()); got != 1 {
		t.Fatalf("sent %d requests, want 1", got)
	}

	rec := r.cache.GetIfPresent("sip:gw1@sip.example.com")
	if rec == nil {
		t.Fatal("no cached registration after 200 OK")
	}
	// One minute check period shortens the granted expiry by two periods.
	if rec.Expires != 3600-120 {
		t.Errorf("effective expires = %d, want %d", rec.Expires, 3600-120)
	}
	if !r.IsRegistered("gw1", "sip.example.com") {
		t.Error("IsRegistered should be true after a successful pass")
	}
}

func TestCheckRegistrations_SkipsFreshAndCredentialless(t *testing.T) {
	noCreds := testGateway()
	noCreds.ID = 2
	noCreds.Username = ""
	noCreds.Password = ""
	noCreds.Host = "other.example.com"

	sender := &fakeSender{respond: func(req *sip.Request) (*sip.Response, error) {
		return okResponse(req, 3600), nil
	}}
	r := testRegistry(t, &fakeSource{gateways: []models.Gateway{testGateway(), noCreds}}, sender)

	if err := r.checkRegistrations(context.Background()); err != nil {
		t.Fatalf("checkRegistrations: %v", err)
	}
	r.wg.Wait()

	if got := len(sender.sent()); got != 1 {
		t.Fatalf("sent %d requests, want 1 (credential-less gateway skipped)", got)
	}

	// A second pass finds the cached registration still live and sends nothing.
	if err := r.checkRegistrations(context.Background()); err != nil {
		t.Fatalf("second checkRegistrations: %v", err)
	}
	r.wg.Wait()

	if got := len(sender.sent()); got != 1 {
		t.Errorf("sent %d requests after second pass, want still 1", got)
	}
}

func TestCheckRegistrations_AdditionalRegistries(t *testing.T) {
	gw := testGateway()
	gw.Registries = `["backup1.example.com","backup2.example.com"]`

	sender := &fakeSender{respond: func(req *sip.Request) (*sip.Response, error) {
		return okResponse(req, 3600), nil
	}}
	r := testRegistry(t, &fakeSource{gateways: []models.Gateway{gw}}, sender)

	if err := r.checkRegistrations(context.Background()); err != nil {
		t.Fatalf("checkRegistrations: %v", err)
	}
	r.wg.Wait()

	sent := sender.sent()
	if len(sent) != 3 {
		t.Fatalf("sent %d requests, want 3 (primary plus two registries)", len(sent))
	}

	hosts := make(map[string]bool)
	for _, req := range sent {
		hosts[req.Recipient.Host] = true
	}
	for _, want := range []string{"sip.example.com", "backup1.example.com", "backup2.example.com"} {
		if !hosts[want] {
			t.Errorf("no register sent to %s", want)
		}
	}

	for _, host := range []string{"sip.example.com", "backup1.example.com", "backup2.example.com"} {
		if r.cache.GetIfPresent(GatewayURI("gw1", host)) == nil {
			t.Errorf("no cached registration for %s", host)
		}
	}
}

func TestCheckRegistrations_DigestChallenge(t *testing.T) {
	var first *sip.Request
	sender := &fakeSender{}
	sender.respond = func(req *sip.Request) (*sip.Response, error) {
		if first == nil {
			first = req
			res := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
			res.AppendHeader(sip.NewHeader("WWW-Authenticate",
				`Digest realm="sip.example.com", nonce="abc123", algorithm=MD5, qop="auth"`))
			return res, nil
		}
		if req.GetHeader("Authorization") == nil {
			return nil, fmt.Errorf("retry carries no Authorization header")
		}
		return okResponse(req, 600), nil
	}
	r := testRegistry(t, &fakeSource{gateways: []models.Gateway{testGateway()}}, sender)

	if err := r.checkRegistrations(context.Background()); err != nil {
		t.Fatalf("checkRegistrations: %v", err)
	}
	r.wg.Wait()

	sent := sender.sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d requests, want 2 (initial plus authenticated retry)", len(sent))
	}

	retry := sent[1]
	if retry.GetHeader("Authorization") == nil {
		t.Fatal("authenticated retry missing Authorization header")
	}
	if retry.CSeq().SeqNo <= sent[0].CSeq().SeqNo {
		t.Error("authenticated retry must advance the CSeq")
	}
	b1, _ := sent[0].Via().Params.Get("branch")
	b2, _ := retry.Via().Params.Get("branch")
	if b1 == b2 {
		t.Error("authenticated retry must carry a fresh branch")
	}

	if r.cache.GetIfPresent("sip:gw1@sip.example.com") == nil {
		t.Error("no cached registration after authenticated 200 OK")
	}
}

func TestCheckRegistrations_RepeatedChallengeFails(t *testing.T) {
	sender := &fakeSender{respond: func(req *sip.Request) (*sip.Response, error) {
		res := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
		res.AppendHeader(sip.NewHeader("WWW-Authenticate",
			`Digest realm="sip.example.com", nonce="abc123", algorithm=MD5`))
		return res, nil
	}}
	r := testRegistry(t, &fakeSource{gateways: []models.Gateway{testGateway()}}, sender)

	if err := r.checkRegistrations(context.Background()); err != nil {
		t.Fatalf("checkRegistrations: %v", err)
	}
	r.wg.Wait()

	// One challenge is answered; a second challenge ends the attempt.
	if got := len(sender.sent()); got != 2 {
		t.Errorf("sent %d requests, want 2", got)
	}
	if r.cache.GetIfPresent("sip:gw1@sip.example.com") != nil {
		t.Error("no registration should be cached after rejected credentials")
	}
}

func TestCheckRegistrations_FailureInvalidates(t *testing.T) {
	sender := &fakeSender{respond: func(req *sip.Request) (*sip.Response, error) {
		return sip.NewResponseFromRequest(req, 503, "Service Unavailable", nil), nil
	}}
	r := testRegistry(t, &fakeSource{gateways: []models.Gateway{testGateway()}}, sender)

	// Seed a stale record to prove failure clears it.
	r.cache.Put("sip:gw1@sip.example.com", Registration{
		Expires:      1,
		RegisteredOn: time.Now().Add(-time.Minute).UnixMilli(),
	})

	if err := r.checkRegistrations(context.Background()); err != nil {
		t.Fatalf("checkRegistrations must absorb per-gateway failures, got %v", err)
	}
	r.wg.Wait()

	if r.cache.GetIfPresent("sip:gw1@sip.example.com") != nil {
		t.Error("failed registration must invalidate the cache entry")
	}
}

func TestCheckRegistrations_SourceFailureLeavesCache(t *testing.T) {
	sender := &fakeSender{respond: func(req *sip.Request) (*sip.Response, error) {
		return okResponse(req, 3600), nil
	}}
	source := &failingSource{err: fmt.Errorf("connection refused")}
	r := testRegistry(t, source, sender)

	// A live entry that must survive the failed pass untouched.
	r.cache.Put("sip:gw1@sip.example.com", Registration{
		Username:     "gw1",
		Host:         "sip.example.com",
		Expires:      3600,
		RegisteredOn: time.Now().UnixMilli(),
	})

	err := r.checkRegistrations(context.Background())
	if err == nil {
		t.Fatal("checkRegistrations must surface a gateway source failure")
	}
	r.wg.Wait()

	if got := len(sender.sent()); got != 0 {
		t.Errorf("sent %d requests after source failure, want 0", got)
	}
	if r.cache.GetIfPresent("sip:gw1@sip.example.com") == nil {
		t.Error("source failure must leave existing cache entries intact")
	}

	// The control loop absorbs the same failure.
	r.tick(context.Background())
	if r.cache.GetIfPresent("sip:gw1@sip.example.com") == nil {
		t.Error("tick must not disturb the cache on source failure")
	}
}

func TestDispatch_OutlivesLoopCancellation(t *testing.T) {
	sender := &contextSender{respond: func(ctx context.Context, req *sip.Request) (*sip.Response, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return okResponse(req, 3600), nil
	}}
	r := testRegistry(t, &fakeSource{gateways: []models.Gateway{testGateway()}}, sender)

	// Cancel before the pass: the dispatch still runs on a detached context
	// and its response lands in the cache.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := r.checkRegistrations(ctx); err != nil {
		t.Fatalf("checkRegistrations: %v", err)
	}
	r.wg.Wait()

	if r.cache.GetIfPresent("sip:gw1@sip.example.com") == nil {
		t.Fatal("dispatch cancelled mid-flight must still record its response")
	}
}

func TestCheckRegistrations_ShortGrantReadsExpired(t *testing.T) {
	sender := &fakeSender{respond: func(req *sip.Request) (*sip.Response, error) {
		// Granted lifetime shorter than two check periods.
		return okResponse(req, 60), nil
	}}
	r := testRegistry(t, &fakeSource{gateways: []models.Gateway{testGateway()}}, sender)

	if err := r.checkRegistrations(context.Background()); err != nil {
		t.Fatalf("checkRegistrations: %v", err)
	}
	r.wg.Wait()

	rec := r.cache.GetIfPresent("sip:gw1@sip.example.com")
	if rec == nil {
		t.Fatal("short-lived registration must still be recorded")
	}
	if rec.Expires != 60-120 {
		t.Errorf("effective expires = %d, want %d", rec.Expires, 60-120)
	}
	if !r.cache.IsExpired("sip:gw1@sip.example.com") {
		t.Error("short grant must read as expired so the next pass refreshes it")
	}
}

func TestCheckRegistrations_ContactExpiresPreferred(t *testing.T) {
	sender := &fakeSender{respond: func(req *sip.Request) (*sip.Response, error) {
		res := sip.NewResponseFromRequest(req, 200, "OK", nil)
		res.AppendHeader(sip.NewHeader("Contact", "<sip:gw1@192.168.1.10:5060>;expires=1800"))
		res.AppendHeader(sip.NewHeader("Expires", "3600"))
		return res, nil
	}}
	r := testRegistry(t, &fakeSource{gateways: []models.Gateway{testGateway()}}, sender)

	if err := r.checkRegistrations(context.Background()); err != nil {
		t.Fatalf("checkRegistrations: %v", err)
	}
	r.wg.Wait()

	rec := r.cache.GetIfPresent("sip:gw1@sip.example.com")
	if rec == nil {
		t.Fatal("no cached registration")
	}
	if rec.Expires != 1800-120 {
		t.Errorf("effective expires = %d, want %d (contact expires wins)", rec.Expires, 1800-120)
	}
}

func TestLearnNATBinding(t *testing.T) {
	responded := make(chan struct{}, 1)
	sender := &fakeSender{}
	sender.respond = func(req *sip.Request) (*sip.Response, error) {
		res := okResponse(req, 3600)
		res.Via().Params.Add("received", "203.0.113.9")
		res.Via().Params.Add("rport", "16384")
		select {
		case responded <- struct{}{}:
		default:
		}
		return res, nil
	}
	r := testRegistry(t, &fakeSource{gateways: []models.Gateway{testGateway()}}, sender)

	if err := r.checkRegistrations(context.Background()); err != nil {
		t.Fatalf("checkRegistrations: %v", err)
	}
	r.wg.Wait()
	<-responded

	received, rport := r.natFor("udp")
	if received != "203.0.113.9" || rport != 16384 {
		t.Fatalf("nat binding = %s:%d, want 203.0.113.9:16384", received, rport)
	}

	// The next register on the same transport advertises the learned binding.
	if err := r.registerOnce(context.Background(), testGateway(), "sip.example.com"); err != nil {
		t.Fatalf("registerOnce: %v", err)
	}
	sent := sender.sent()
	last := sent[len(sent)-1]
	contact := last.Contact()
	if contact.Address.Host != "203.0.113.9" || contact.Address.Port != 16384 {
		t.Errorf("contact = %s:%d, want learned nat binding 203.0.113.9:16384",
			contact.Address.Host, contact.Address.Port)
	}
}

func TestRegisterNow(t *testing.T) {
	gw := testGateway()
	gw.Registries = `["backup.example.com"]`

	sender := &fakeSender{respond: func(req *sip.Request) (*sip.Response, error) {
		return okResponse(req, 3600), nil
	}}
	r := testRegistry(t, &fakeSource{}, sender)

	if err := r.RegisterNow(context.Background(), gw); err != nil {
		t.Fatalf("RegisterNow: %v", err)
	}
	if got := len(sender.sent()); got != 2 {
		t.Fatalf("sent %d requests, want 2", got)
	}

	noCreds := gw
	noCreds.Password = ""
	if err := r.RegisterNow(context.Background(), noCreds); err == nil {
		t.Error("RegisterNow must reject a gateway without credentials")
	}
}

func TestSnapshot(t *testing.T) {
	sender := &fakeSender{respond: func(req *sip.Request) (*sip.Response, error) {
		return okResponse(req, 3600), nil
	}}
	r := testRegistry(t, &fakeSource{gateways: []models.Gateway{testGateway()}}, sender)

	if err := r.checkRegistrations(context.Background()); err != nil {
		t.Fatalf("checkRegistrations: %v", err)
	}
	r.wg.Wait()

	snap := r.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot has %d records, want 1", len(snap))
	}
	if snap[0].Username != "gw1" || snap[0].Host != "sip.example.com" {
		t.Errorf("snapshot record = %+v", snap[0])
	}
}

func TestStartStop(t *testing.T) {
	sender := &fakeSender{respond: func(req *sip.Request) (*sip.Response, error) {
		return okResponse(req, 3600), nil
	}}
	r := testRegistry(t, &fakeSource{}, sender)

	r.Start()
	r.Stop()

	// Stop before the startup delay elapses sends nothing.
	if got := len(sender.sent()); got != 0 {
		t.Errorf("sent %d requests, want 0", got)
	}
}
