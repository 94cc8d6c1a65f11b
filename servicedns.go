package emucore

//
// DNS node service
//

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/miekg/dns"
)

// DNSServiceName is the registered name of the DNS service.
const DNSServiceName = "dns"

func init() {
	RegisterService(&dnsService{})
}

// dnsService serves authoritative A and CNAME records on the node's
// primary address, port 53/udp. Each parameter maps a domain to a
// comma-separated list of IPv4 addresses, optionally including one
// non-address entry used as the CNAME target.
//
// The service is mutable: changing its configuration while the node
// runs restarts the server with the new records.
type dnsService struct{}

var _ Service = &dnsService{}

// Name implements [Service].
func (*dnsService) Name() string { return DNSServiceName }

// ImmutableOnceApplied implements [Service].
func (*dnsService) ImmutableOnceApplied() bool { return false }

// dnsRecord is one entry in the server's database.
type dnsRecord struct {
	// A contains the A resource records.
	A []net.IP

	// CNAME is the CNAME target, possibly empty.
	CNAME string
}

// parseDNSParams converts service parameters into the record database.
func parseDNSParams(params map[string]string) (map[string]*dnsRecord, error) {
	records := map[string]*dnsRecord{}
	for domain, value := range params {
		record := &dnsRecord{
			A:     nil,
			CNAME: "",
		}
		for _, entry := range strings.Split(value, ",") {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			if ip := net.ParseIP(entry); ip != nil {
				record.A = append(record.A, ip)
				continue
			}
			if record.CNAME != "" {
				return nil, fmt.Errorf(
					"%w: %s: more than one CNAME target", ErrInvalidParameter, domain)
			}
			record.CNAME = dns.CanonicalName(entry)
		}
		if len(record.A) <= 0 && record.CNAME == "" {
			return nil, fmt.Errorf("%w: %s: empty record", ErrInvalidParameter, domain)
		}
		records[dns.CanonicalName(domain)] = record
	}
	return records, nil
}

// Validate implements [Service].
func (*dnsService) Validate(params map[string]string) error {
	_, err := parseDNSParams(params)
	return err
}

// Apply implements [Service].
func (*dnsService) Apply(svcnet ServiceNetwork, params map[string]string) (io.Closer, error) {
	records, err := parseDNSParams(params)
	if err != nil {
		return nil, err
	}

	udpAddr := &net.UDPAddr{
		IP:   net.ParseIP(svcnet.IPAddress()),
		Port: 53,
		Zone: "",
	}
	pconn, err := svcnet.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	// spawn a single worker
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go dnsServerWorker(svcnet.Logger(), svcnet.IPAddress(), records, pconn, wg)

	return &dnsInstance{
		once:  sync.Once{},
		pconn: pconn,
		wg:    wg,
	}, nil
}

// dnsInstance is a running DNS server instance.
type dnsInstance struct {
	once  sync.Once
	pconn UDPLikeConn
	wg    *sync.WaitGroup
}

// Close implements io.Closer.
func (di *dnsInstance) Close() error {
	di.once.Do(func() {
		di.pconn.Close()
		di.wg.Wait()
	})
	return nil
}

// dnsServerWorker is the DNS server worker.
func dnsServerWorker(
	logger Logger,
	ipAddress string,
	records map[string]*dnsRecord,
	pconn UDPLikeConn,
	wg *sync.WaitGroup,
) {
	logger.Infof("emucore: dns server %s up", ipAddress)
	defer func() {
		logger.Infof("emucore: dns server %s down", ipAddress)
		wg.Done()
	}()

	for {
		// read incoming raw query
		buffer := make([]byte, 8000)
		count, addr, err := pconn.ReadFrom(buffer)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warnf("emucore: dns: pconn.ReadFrom: %s", err.Error())
			continue
		}
		rawQuery := buffer[:count]

		rawResponse, err := dnsServerRoundTrip(records, rawQuery)
		if err != nil {
			logger.Warnf("emucore: dnsServerRoundTrip: %s", err.Error())
			continue
		}

		_, _ = pconn.WriteTo(rawResponse, addr)
	}
}

// dnsServerRoundTrip responds to a raw DNS query with a raw DNS response.
func dnsServerRoundTrip(records map[string]*dnsRecord, rawQuery []byte) ([]byte, error) {
	// parse incoming query
	query := &dns.Msg{}
	if err := query.Unpack(rawQuery); err != nil {
		return nil, err
	}

	// reject blatantly wrong queries
	if query.Response || len(query.Question) != 1 {
		resp := &dns.Msg{}
		resp.SetRcode(query, dns.RcodeRefused)
		return Must1(resp.Pack()), nil
	}

	// find the corresponding record
	q0 := query.Question[0]
	if q0.Qclass != dns.ClassINET {
		resp := &dns.Msg{}
		resp.SetRcode(query, dns.RcodeRefused)
		return Must1(resp.Pack()), nil
	}
	rr, found := records[q0.Name]

	// handle the NXDOMAIN case
	if !found {
		resp := &dns.Msg{}
		resp.SetRcode(query, dns.RcodeNameError)
		return Must1(resp.Pack()), nil
	}

	return dnsServerNewSuccessfulResponse(query, q0, rr)
}

// dnsServerNewSuccessfulResponse constructs a successful response.
func dnsServerNewSuccessfulResponse(query *dns.Msg, q0 dns.Question, rr *dnsRecord) ([]byte, error) {
	resp := &dns.Msg{}
	resp.SetReply(query)

	// insert A entries if needed
	if q0.Qtype == dns.TypeA {
		for _, addr := range rr.A {
			resp.Answer = append(resp.Answer, &dns.A{
				Hdr: dns.RR_Header{
					Name:     q0.Name,
					Rrtype:   dns.TypeA,
					Class:    dns.ClassINET,
					Ttl:      3600,
					Rdlength: 0,
				},
				A: addr,
			})
		}
	}

	// insert a CNAME entry if needed
	if rr.CNAME != "" {
		resp.Answer = append(resp.Answer, &dns.CNAME{
			Hdr: dns.RR_Header{
				Name:     q0.Name,
				Rrtype:   dns.TypeCNAME,
				Class:    dns.ClassINET,
				Ttl:      3600,
				Rdlength: 0,
			},
			Target: rr.CNAME,
		})
	}

	return Must1(resp.Pack()), nil
}
