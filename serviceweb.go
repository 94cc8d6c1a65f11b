package emucore

//
// Web node service
//

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/quic-go/quic-go/http3"
)

// WebServiceName is the registered name of the web service.
const WebServiceName = "web"

func init() {
	RegisterService(&webService{})
}

// webService serves a static page over HTTP on port 80 and HTTPS on
// port 443 using certificates minted by the session certification
// authority. With the "http3" parameter set to "true" it additionally
// serves HTTP/3 on port 443/udp.
//
// Parameters:
//
//   - "body": the response body (default "hello")
//
//   - "http3": "true" or "false" (default "false")
//
// The service is immutable once applied: reconfiguring it on a
// running node is an error.
type webService struct{}

var _ Service = &webService{}

// Name implements [Service].
func (*webService) Name() string { return WebServiceName }

// ImmutableOnceApplied implements [Service].
func (*webService) ImmutableOnceApplied() bool { return true }

// Validate implements [Service].
func (*webService) Validate(params map[string]string) error {
	for name, value := range params {
		switch name {
		case "body":
			// any string is acceptable
		case "http3":
			if _, err := strconv.ParseBool(value); err != nil {
				return fmt.Errorf("%w: http3: %s", ErrInvalidParameter, value)
			}
		default:
			return fmt.Errorf("%w: unknown parameter: %s", ErrInvalidParameter, name)
		}
	}
	return nil
}

// Apply implements [Service].
func (*webService) Apply(svcnet ServiceNetwork, params map[string]string) (io.Closer, error) {
	body := params["body"]
	if body == "" {
		body = "hello"
	}
	http3Enabled, _ := strconv.ParseBool(params["http3"])

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(body))
	})

	wi := &webInstance{
		closers: nil,
		once:    sync.Once{},
		wg:      &sync.WaitGroup{},
	}

	if err := wi.startTCP(svcnet, mux, 80, false); err != nil {
		wi.Close()
		return nil, err
	}
	if err := wi.startTCP(svcnet, mux, 443, true); err != nil {
		wi.Close()
		return nil, err
	}
	if http3Enabled {
		if err := wi.startQUIC(svcnet, mux); err != nil {
			wi.Close()
			return nil, err
		}
	}
	return wi, nil
}

// webInstance is a running web server instance.
type webInstance struct {
	// closers shut down the listening sockets.
	closers []io.Closer

	// once ensures Close runs once.
	once sync.Once

	// wg tracks the serving goroutines.
	wg *sync.WaitGroup
}

// startTCP starts the cleartext or TLS HTTP server.
func (wi *webInstance) startTCP(
	svcnet ServiceNetwork, mux http.Handler, port int, useTLS bool) error {
	addr := &net.TCPAddr{
		IP:   net.ParseIP(svcnet.IPAddress()),
		Port: port,
		Zone: "",
	}
	listener, err := svcnet.ListenTCP("tcp", addr)
	if err != nil {
		return err
	}
	server := &http.Server{
		Handler:   mux,
		TLSConfig: svcnet.ServerTLSConfig(),
	}
	wi.closers = append(wi.closers, listener, server)
	wi.wg.Add(1)
	go func() {
		defer wi.wg.Done()
		svcnet.Logger().Debugf("emucore: web: start %s/tcp", addr.String())
		if useTLS {
			_ = server.ServeTLS(listener, "", "")
		} else {
			_ = server.Serve(listener)
		}
		svcnet.Logger().Debugf("emucore: web: stop %s/tcp", addr.String())
	}()
	return nil
}

// startQUIC starts the HTTP/3 server.
func (wi *webInstance) startQUIC(svcnet ServiceNetwork, mux http.Handler) error {
	addr := &net.UDPAddr{
		IP:   net.ParseIP(svcnet.IPAddress()),
		Port: 443,
		Zone: "",
	}
	pconn, err := svcnet.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	server := &http3.Server{
		Handler:   mux,
		TLSConfig: svcnet.ServerTLSConfig(),
	}
	wi.closers = append(wi.closers, pconn, server)
	wi.wg.Add(1)
	go func() {
		defer wi.wg.Done()
		svcnet.Logger().Debugf("emucore: web: start %s/udp", addr.String())
		_ = server.Serve(pconn)
		svcnet.Logger().Debugf("emucore: web: stop %s/udp", addr.String())
	}()
	return nil
}

// Close implements io.Closer.
func (wi *webInstance) Close() error {
	wi.once.Do(func() {
		for _, closer := range wi.closers {
			_ = closer.Close()
		}
		wi.wg.Wait()
	})
	return nil
}
