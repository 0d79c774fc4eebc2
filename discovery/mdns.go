// Package discovery finds a push relay on the local network over mDNS, and
// lets a relay host advertise itself.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_ledgerchat-push._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultScanTimeout bounds one relay lookup.
	DefaultScanTimeout = 3 * time.Second
	// DefaultPath is the websocket path advertised when none is configured.
	DefaultPath = "/ws"
)

var ErrNoRelay = errors.New("discovery: no push relay found")

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls relay lookup and advertisement.
type Config struct {
	Service     string
	Domain      string
	Version     int
	ScanTimeout time.Duration

	// ProgramID restricts lookups to relays serving this program. Relays
	// advertise it in their TXT records.
	ProgramID string

	InstanceName string
	Port         int
	Path         string
	Secure       bool

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.Path == "" {
		out.Path = DefaultPath
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAdvertise() error {
	if strings.TrimSpace(c.InstanceName) == "" {
		return errors.New("instance name is required")
	}
	if c.Port <= 0 {
		return errors.New("port must be > 0")
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("path %q must start with /", c.Path)
	}
	return nil
}

// Relay is one advertised push relay.
type Relay struct {
	Instance  string
	HostName  string
	Port      int
	Addresses []string
	Path      string
	Secure    bool
	ProgramID string
	Version   int
}

// URL returns the websocket URL of the relay's first address.
func (r Relay) URL() string {
	scheme := "ws"
	if r.Secure {
		scheme = "wss"
	}
	host := strings.TrimSuffix(r.HostName, ".")
	if len(r.Addresses) > 0 {
		host = r.Addresses[0]
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(r.Port)) + r.Path
}

// Advertiser publishes a relay via mDNS.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers the relay described by config.
func Advertise(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAdvertise(); err != nil {
		return nil, err
	}

	txt := []string{
		"version=" + strconv.Itoa(cfg.Version),
		"path=" + cfg.Path,
		"secure=" + strconv.FormatBool(cfg.Secure),
	}
	if cfg.ProgramID != "" {
		txt = append(txt, "program="+cfg.ProgramID)
	}

	server, err := cfg.registerFn(cfg.InstanceName, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Stop stops advertising.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// ResolveRelay browses for relays until the first usable one answers or the
// scan window closes.
func ResolveRelay(ctx context.Context, config Config) (Relay, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return Relay{}, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		return Relay{}, fmt.Errorf("browse %s: %w", cfg.Service, err)
	}

	for {
		select {
		case entry := <-entries:
			if entry == nil {
				continue
			}
			if relay, ok := parseEntry(entry, cfg.ProgramID); ok {
				return relay, nil
			}
		case <-scanCtx.Done():
			if err := ctx.Err(); err != nil {
				return Relay{}, err
			}
			return Relay{}, ErrNoRelay
		}
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, programID string) (Relay, bool) {
	txt := txtToMap(entry.Text)

	if programID != "" && txt["program"] != "" && txt["program"] != programID {
		return Relay{}, false
	}
	if entry.Port <= 0 {
		return Relay{}, false
	}

	version := 0
	if parsed, err := strconv.Atoi(txt["version"]); err == nil {
		version = parsed
	}
	path := txt["path"]
	if !strings.HasPrefix(path, "/") {
		path = DefaultPath
	}
	secure, _ := strconv.ParseBool(txt["secure"])

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range entry.AddrIPv4 {
		addresses = appendAddress(addresses, seen, ip)
	}
	ipv4 := len(addresses)
	for _, ip := range entry.AddrIPv6 {
		addresses = appendAddress(addresses, seen, ip)
	}
	sort.Strings(addresses[:ipv4])
	sort.Strings(addresses[ipv4:])

	if len(addresses) == 0 && strings.TrimSpace(entry.HostName) == "" {
		return Relay{}, false
	}

	return Relay{
		Instance:  strings.TrimSpace(entry.Instance),
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: addresses,
		Path:      path,
		Secure:    secure,
		ProgramID: txt["program"],
		Version:   version,
	}, true
}

func appendAddress(out []string, seen map[string]struct{}, ip net.IP) []string {
	if ip == nil {
		return out
	}
	raw := ip.String()
	if _, exists := seen[raw]; exists {
		return out
	}
	seen[raw] = struct{}{}
	return append(out, raw)
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
