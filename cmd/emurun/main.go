// Command emurun builds a small emulated topology, fetches a web page
// across it, degrades the link live, and tears everything down.
package main

import (
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"time"

	"github.com/apex/log"
	"github.com/emucore-project/emucore"
)

func main() {
	session := emucore.Must1(emucore.NewSession(1, "emurun", log.Log, nil))
	defer session.Shutdown()

	// topology: client <-> switch <-> server
	sw := emucore.Must1(session.AddNode("sw0", &emucore.SwitchConfig{}))
	client := emucore.Must1(session.AddNode("client", &emucore.HostConfig{}))
	server := emucore.Must1(session.AddNode("server", &emucore.HostConfig{}))

	addrs := emucore.NewAddrAllocator(netip.MustParsePrefix("10.0.0.0/24"))
	emucore.Must1(session.AddInterface(client.ID(), addrs.MustNext()))
	serverAddr := addrs.MustNext()
	emucore.Must1(session.AddInterface(server.ID(), serverAddr))

	slow := &emucore.Impairment{
		Bandwidth: 10_000_000,
		Delay:     15 * time.Millisecond,
	}
	clientLink := emucore.Must1(session.AddLink(client.ID(), sw.ID(), slow))
	emucore.Must1(session.AddLink(server.ID(), sw.ID(), slow))

	emucore.Must0(session.SetServiceConfig(server.ID(), emucore.WebServiceName,
		map[string]string{"body": "hello from the emulation\n"}))

	emucore.Must0(session.Configure())
	emucore.Must0(session.Instantiate())

	clientCtx, _ := session.Context(client.ID())
	unet := emucore.Must1(clientCtx.Network())
	txp := &http.Transport{
		DialContext: unet.DialContext,
	}
	httpClient := &http.Client{Transport: txp, Timeout: 10 * time.Second}

	fetch := func() {
		t0 := time.Now()
		resp, err := httpClient.Get(fmt.Sprintf("http://%s/", serverAddr))
		if err != nil {
			log.Warnf("GET failed after %s: %s", time.Since(t0), err.Error())
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		log.Infof("GET %d in %s: %s", resp.StatusCode, time.Since(t0), string(body))
	}

	log.Info("fetching over the clean link")
	for idx := 0; idx < 3; idx++ {
		fetch()
	}

	log.Info("degrading the client link to 30% loss, live")
	lossy := clientLink.Impairment()
	lossy.Loss = 30
	emucore.Must0(session.SetLinkImpairment(clientLink.ID(), lossy))
	for idx := 0; idx < 3; idx++ {
		fetch()
	}
}
