package netmon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/fentz26/pulse/internal/models"
)

// HTTPProber treats any HTTP response from the health URL as reachable.
type HTTPProber struct {
	URL    string
	Client *http.Client
	// Interfaces lists network interfaces; it defaults to net.Interfaces.
	Interfaces func() ([]net.Interface, error)
}

// NewHTTPProber probes baseURL + "/health".
func NewHTTPProber(baseURL string) *HTTPProber {
	return &HTTPProber{
		URL:    strings.TrimRight(baseURL, "/") + "/health",
		Client: &http.Client{},
	}
}

// Probe issues one GET.
func (p *HTTPProber) Probe(ctx context.Context) (models.NetworkState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return models.NetworkState{}, fmt.Errorf("build probe: %w", err)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return models.NetworkState{IsConnected: false, ConnectionClass: models.ClassNone}, nil
	}
	resp.Body.Close()

	list := p.Interfaces
	if list == nil {
		list = net.Interfaces
	}
	return models.NetworkState{IsConnected: true, ConnectionClass: classify(list)}, nil
}

// classify guesses the link type from the first active non-loopback interface name.
func classify(list func() ([]net.Interface, error)) models.ConnectionClass {
	ifaces, err := list()
	if err != nil {
		return models.ClassUnknown
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if c := ClassForName(iface.Name); c != models.ClassUnknown {
			return c
		}
	}
	return models.ClassUnknown
}

// ClassForName maps an interface name to a connection class.
func ClassForName(name string) models.ConnectionClass {
	n := strings.ToLower(name)
	switch {
	case strings.HasPrefix(n, "wl"), strings.HasPrefix(n, "wifi"), strings.HasPrefix(n, "ath"):
		return models.ClassWifi
	case strings.HasPrefix(n, "en"), strings.HasPrefix(n, "eth"):
		return models.ClassEthernet
	case strings.HasPrefix(n, "wwan"), strings.HasPrefix(n, "rmnet"), strings.HasPrefix(n, "ppp"), strings.HasPrefix(n, "pdp_ip"):
		return models.ClassCellular
	}
	return models.ClassUnknown
}

// StaticProber returns a settable state. Used by tests and the --offline flag.
type StaticProber struct {
	mu    sync.Mutex
	state models.NetworkState
	err   error
	calls int
}

// NewStaticProber returns a prober reporting state.
func NewStaticProber(state models.NetworkState) *StaticProber {
	return &StaticProber{state: state}
}

// Set changes the reported state.
func (p *StaticProber) Set(state models.NetworkState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = state
	p.err = nil
}

// Fail makes the next probes return err.
func (p *StaticProber) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Calls returns the number of probes served.
func (p *StaticProber) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *StaticProber) Probe(context.Context) (models.NetworkState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.state, p.err
}
