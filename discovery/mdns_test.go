package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestAdvertiseBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		InstanceName: "Office relay",
		Port:         8080,
		ProgramID:    "Prog111",
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	advertiser, err := Advertise(cfg)
	if err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}
	advertiser.Stop()

	if gotInstance != "Office relay" || gotService != DefaultService || gotDomain != DefaultDomain || gotPort != 8080 {
		t.Fatalf("unexpected registration %q %q %q %d", gotInstance, gotService, gotDomain, gotPort)
	}
	assertContainsTXT(t, gotTXT, "version=1")
	assertContainsTXT(t, gotTXT, "path=/ws")
	assertContainsTXT(t, gotTXT, "secure=false")
	assertContainsTXT(t, gotTXT, "program=Prog111")
}

func TestAdvertiseValidates(t *testing.T) {
	register := func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
		t.Fatalf("register must not be called")
		return nil, nil
	}
	for _, cfg := range []Config{
		{Port: 80, registerFn: register},
		{InstanceName: "r", registerFn: register},
		{InstanceName: "r", Port: 80, Path: "ws", registerFn: register},
	} {
		if _, err := Advertise(cfg); err == nil {
			t.Fatalf("expected validation error for %+v", cfg)
		}
	}
}

func browseReturning(entries ...*zeroconf.ServiceEntry) browseFunc {
	return func(ctx context.Context, service, domain string, out chan<- *zeroconf.ServiceEntry) error {
		go func() {
			for _, entry := range entries {
				select {
				case out <- entry:
				case <-ctx.Done():
					return
				}
			}
		}()
		return nil
	}
}

func entry(instance string, port int, text []string, ips ...string) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry(instance, DefaultService, DefaultDomain)
	e.HostName = "relay.local."
	e.Port = port
	e.Text = text
	for _, raw := range ips {
		ip := net.ParseIP(raw)
		if ip.To4() != nil {
			e.AddrIPv4 = append(e.AddrIPv4, ip)
		} else {
			e.AddrIPv6 = append(e.AddrIPv6, ip)
		}
	}
	return e
}

func TestResolveRelaySkipsForeignPrograms(t *testing.T) {
	cfg := Config{
		ProgramID:   "Mine",
		ScanTimeout: time.Second,
		browseFn: browseReturning(
			entry("other", 9000, []string{"program=Theirs"}, "10.0.0.9"),
			entry("broken", 0, nil, "10.0.0.8"),
			entry("mine", 9001, []string{"program=Mine", "path=/push", "secure=true", "version=2"}, "fe80::1", "10.0.0.7", "10.0.0.7"),
		),
	}

	relay, err := ResolveRelay(context.Background(), cfg)
	if err != nil {
		t.Fatalf("ResolveRelay failed: %v", err)
	}
	if relay.Instance != "mine" || relay.Version != 2 || !relay.Secure {
		t.Fatalf("unexpected relay %+v", relay)
	}
	if len(relay.Addresses) != 2 || relay.Addresses[0] != "10.0.0.7" {
		t.Fatalf("expected IPv4 first without duplicates, got %v", relay.Addresses)
	}
	if relay.URL() != "wss://10.0.0.7:9001/push" {
		t.Fatalf("unexpected URL %q", relay.URL())
	}
}

func TestRelayURLFallsBackToHostName(t *testing.T) {
	relay := Relay{HostName: "relay.local.", Port: 80, Path: "/ws"}
	if relay.URL() != "ws://relay.local:80/ws" {
		t.Fatalf("unexpected URL %q", relay.URL())
	}
	v6 := Relay{Addresses: []string{"fe80::1"}, Port: 80, Path: "/ws"}
	if v6.URL() != "ws://[fe80::1]:80/ws" {
		t.Fatalf("unexpected URL %q", v6.URL())
	}
}

func TestResolveRelayTimesOut(t *testing.T) {
	cfg := Config{ScanTimeout: 20 * time.Millisecond, browseFn: browseReturning()}
	if _, err := ResolveRelay(context.Background(), cfg); !errors.Is(err, ErrNoRelay) {
		t.Fatalf("expected ErrNoRelay, got %v", err)
	}

	failing := Config{browseFn: func(context.Context, string, string, chan<- *zeroconf.ServiceEntry) error {
		return errors.New("no multicast")
	}}
	if _, err := ResolveRelay(context.Background(), failing); err == nil {
		t.Fatalf("expected browse error")
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}
