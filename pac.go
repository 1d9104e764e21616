package adproxy

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/template"
)

// PACGenerator produces a proxy auto-config file that points browsers at
// the proxy while sending local traffic direct.
type PACGenerator struct {
	// ProxyAddr is the host:port browsers should use.
	ProxyAddr string

	// BypassDomains go direct. A leading dot matches subdomains only.
	BypassDomains []string

	// BypassNetworks are CIDRs that go direct.
	BypassNetworks []string

	// FallbackDirect lets browsers connect directly when the proxy is down.
	FallbackDirect bool
}

// NewPACGenerator returns a generator that bypasses localhost and the
// private address ranges.
func NewPACGenerator(proxyAddr string) *PACGenerator {
	return &PACGenerator{
		ProxyAddr:      proxyAddr,
		BypassDomains:  []string{"localhost", ".local"},
		BypassNetworks: []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "127.0.0.0/8"},
		FallbackDirect: true,
	}
}

// AddBypassDomain appends a domain that should not be proxied.
func (g *PACGenerator) AddBypassDomain(domain string) {
	g.BypassDomains = append(g.BypassDomains, domain)
}

// AddBypassNetwork appends a CIDR that should not be proxied.
func (g *PACGenerator) AddBypassNetwork(cidr string) {
	g.BypassNetworks = append(g.BypassNetworks, cidr)
}

var pacTemplate = template.Must(template.New("pac").Parse(`function FindProxyForURL(url, host) {
  if (isPlainHostName(host)) {
    return "DIRECT";
  }
{{- range .Domains}}
  if (dnsDomainIs(host, "{{.}}")) {
    return "DIRECT";
  }
{{- end}}
{{- range .Networks}}
  if (isInNet(host, "{{.IP}}", "{{.Mask}}")) {
    return "DIRECT";
  }
{{- end}}
  return "{{.Proxy}}";
}
`))

type pacNetwork struct {
	IP   string
	Mask string
}

// GenerateString renders the PAC file.
func (g *PACGenerator) GenerateString() (string, error) {
	proxy := "PROXY " + g.ProxyAddr
	if g.FallbackDirect {
		proxy += "; DIRECT"
	}

	networks := make([]pacNetwork, 0, len(g.BypassNetworks))
	for _, cidr := range g.BypassNetworks {
		ip, prefix, ok := strings.Cut(cidr, "/")
		mask := cidrToMask(prefix)
		if !ok || mask == "" {
			return "", fmt.Errorf("invalid bypass network %q", cidr)
		}
		networks = append(networks, pacNetwork{IP: ip, Mask: mask})
	}

	var buf bytes.Buffer
	err := pacTemplate.Execute(&buf, struct {
		Proxy    string
		Domains  []string
		Networks []pacNetwork
	}{proxy, g.BypassDomains, networks})
	if err != nil {
		return "", fmt.Errorf("render PAC: %w", err)
	}
	return buf.String(), nil
}

// WriteFile renders the PAC file to path.
func (g *PACGenerator) WriteFile(path string) error {
	pac, err := g.GenerateString()
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(pac), 0o644)
}

// ServeHTTP serves the PAC file.
func (g *PACGenerator) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	pac, err := g.GenerateString()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-ns-proxy-autoconfig")
	w.Header().Set("Cache-Control", "max-age=300")
	_, _ = w.Write([]byte(pac))
}

// cidrToMask turns an IPv4 prefix length into a dotted netmask, or "" if
// the length is invalid.
func cidrToMask(prefix string) string {
	n, err := strconv.Atoi(prefix)
	if err != nil || n < 0 || n > 32 {
		return ""
	}
	var m uint32
	if n > 0 {
		m = ^uint32(0) << (32 - n)
	}
	return fmt.Sprintf("%d.%d.%d.%d", m>>24, m>>16&0xff, m>>8&0xff, m&0xff)
}
