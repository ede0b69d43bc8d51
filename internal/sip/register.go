package sip

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// allowedMethods are emitted as individual Allow headers on every REGISTER,
// in this order.
var allowedMethods = []string{"INVITE", "ACK", "BYE", "CANCEL", "REGISTER", "OPTIONS"}

// registerBuilder constructs GIN (RFC 6140) bulk REGISTER requests. The CSeq
// counter is owned here and shared across all gateways; it is 64-bit so it
// never rolls over in practice, with the wire header carrying the low bits.
type registerBuilder struct {
	userAgent string
	resolver  *AddressResolver
	cseq      atomic.Uint64
}

func newRegisterBuilder(userAgent string, resolver *AddressResolver) *registerBuilder {
	return &registerBuilder{userAgent: userAgent, resolver: resolver}
}

func (b *registerBuilder) nextCSeq() uint32 {
	return uint32(b.cseq.Add(1))
}

// BuildRegister constructs a REGISTER for one registrar host. received and
// rport are the NAT-discovered contact overrides ("" / 0 when unknown).
func (b *registerBuilder) BuildRegister(username, gwRef, gwHost, transport, received string, rport, expires int) (*sip.Request, error) {
	contactHost, contactPort, err := b.resolver.Resolve(transport, received, rport)
	if err != nil {
		return nil, err
	}

	transport = strings.ToUpper(transport)

	recipient := sip.Uri{Host: gwHost, UriParams: sip.NewParams(), Headers: sip.NewParams()}
	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport(transport)

	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       transport,
		Host:            contactHost,
		Port:            contactPort,
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", sip.GenerateBranchN(16))
	// rport with empty value asks the registrar to report our source port.
	via.Params.Add("rport", "")
	req.AppendHeader(via)

	aor := sip.Uri{User: username, Host: gwHost, UriParams: sip.NewParams(), Headers: sip.NewParams()}

	from := &sip.FromHeader{Address: aor, Params: sip.NewParams()}
	from.Params.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(from)

	req.AppendHeader(&sip.ToHeader{Address: aor, Params: sip.NewParams()})

	callID := sip.CallIDHeader(uuid.NewString())
	req.AppendHeader(&callID)

	req.AppendHeader(&sip.CSeqHeader{SeqNo: b.nextCSeq(), MethodName: sip.REGISTER})

	contact := &sip.ContactHeader{
		Address: sip.Uri{
			User:      username,
			Host:      contactHost,
			Port:      contactPort,
			UriParams: sip.NewParams(),
			Headers:   sip.NewParams(),
		},
		Params: sip.NewParams(),
	}
	// bnc is the GIN bulk-contact marker; it must be present with no value.
	contact.Params.Add("bnc", "")
	req.AppendHeader(contact)

	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	req.AppendHeader(sip.NewHeader("Proxy-Require", "gin"))
	req.AppendHeader(sip.NewHeader("Require", "gin"))
	req.AppendHeader(sip.NewHeader("Supported", "path"))
	for _, m := range allowedMethods {
		req.AppendHeader(sip.NewHeader("Allow", m))
	}
	req.AppendHeader(sip.NewHeader("User-Agent", b.userAgent))
	req.AppendHeader(sip.NewHeader("X-Gateway-Ref", gwRef))

	return req, nil
}

// freshenVia replaces the topmost Via with a new one carrying a fresh branch,
// keeping the sent-by address. Used when re-issuing a challenged request as a
// new transaction.
func freshenVia(req *sip.Request) {
	old := req.Via()
	if old == nil {
		return
	}

	via := &sip.ViaHeader{
		ProtocolName:    old.ProtocolName,
		ProtocolVersion: old.ProtocolVersion,
		Transport:       old.Transport,
		Host:            old.Host,
		Port:            old.Port,
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", sip.GenerateBranchN(16))
	via.Params.Add("rport", "")

	req.RemoveHeader("Via")
	req.PrependHeader(via)
}

// parseContactExpires extracts the expires parameter from a Contact header
// value such as <sip:user@host>;expires=3600. Returns 0 if absent.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]

	end := strings.IndexAny(rest, ";,> \t")
	if end > 0 {
		rest = rest[:end]
	}

	val, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return val
}

// parseExpiresHeader parses an Expires header value (a plain integer of
// seconds). Returns 0 if parsing fails.
func parseExpiresHeader(value string) int {
	val, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return val
}
