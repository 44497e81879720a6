package packet

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"net"
	"net/http"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Request kinds.
const (
	KindHTTP = "http"
	KindTLS  = "tls"
	KindDNS  = "dns"
)

// Request is what a single packet reveals about an outgoing resource load.
// Only plain HTTP carries a path and a Referer. TLS and DNS give the host.
type Request struct {
	Kind    string `json:"kind"`
	Host    string `json:"host"`
	URL     string `json:"url"`
	Referer string `json:"referer,omitempty"`
}

var httpMethods = [][]byte{
	[]byte("GET "), []byte("POST "), []byte("HEAD "), []byte("PUT "),
	[]byte("DELETE "), []byte("OPTIONS "), []byte("PATCH "),
}

// ExtractRequest decodes a raw IPv4 packet.
func ExtractRequest(payload []byte) (Request, bool) {
	return requestFromPacket(gopacket.NewPacket(payload, layers.LayerTypeIPv4, gopacket.NoCopy))
}

func requestFromPacket(packet gopacket.Packet) (Request, bool) {
	if dnsLayer := packet.Layer(layers.LayerTypeDNS); dnsLayer != nil {
		dns, _ := dnsLayer.(*layers.DNS)
		if dns.QR || len(dns.Questions) == 0 {
			return Request{}, false
		}
		host := normalizeHost(string(dns.Questions[0].Name))
		if host == "" {
			return Request{}, false
		}
		return Request{Kind: KindDNS, Host: host, URL: "http://" + host + "/"}, true
	}

	tcpLayer := packet.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return Request{}, false
	}
	tcp, _ := tcpLayer.(*layers.TCP)
	if len(tcp.Payload) == 0 {
		return Request{}, false
	}

	if tcp.Payload[0] == 0x16 {
		host, ok := parseTLSClientHello(tcp.Payload)
		if host = normalizeHost(host); !ok || host == "" {
			return Request{}, false
		}
		return Request{Kind: KindTLS, Host: host, URL: "https://" + host + "/"}, true
	}
	return parseHTTPRequest(tcp.Payload)
}

// parseHTTPRequest reads the request line and headers of a plain HTTP
// request. The body may be cut off by the segment boundary.
func parseHTTPRequest(data []byte) (Request, bool) {
	isHTTP := false
	for _, m := range httpMethods {
		if bytes.HasPrefix(data, m) {
			isHTTP = true
			break
		}
	}
	if !isHTTP {
		return Request{}, false
	}

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(data)))
	if err != nil {
		return Request{}, false
	}
	hostport := normalizeHost(req.Host)
	if hostport == "" {
		return Request{}, false
	}
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}

	// RequestURI drops the scheme and host of a proxy-style request line.
	return Request{
		Kind:    KindHTTP,
		Host:    host,
		URL:     "http://" + hostport + req.URL.RequestURI(),
		Referer: req.Referer(),
	}, true
}

func normalizeHost(h string) string {
	h = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(h), "."))
	if strings.ContainsAny(h, " /\t\r\n") {
		return ""
	}
	return h
}

// parseTLSClientHello walks a TLS ClientHello record and returns the
// server_name extension.
func parseTLSClientHello(data []byte) (string, bool) {
	// Record header: type (0x16), version, length.
	if len(data) < 5 || data[0] != 0x16 {
		return "", false
	}
	pos := 5

	// Handshake header: type (0x01 ClientHello), 3-byte length.
	if pos+4 > len(data) || data[pos] != 0x01 {
		return "", false
	}
	pos += 4

	// Version and random.
	pos += 2 + 32

	if pos+1 > len(data) {
		return "", false
	}
	pos += 1 + int(data[pos])

	if pos+2 > len(data) {
		return "", false
	}
	pos += 2 + int(binary.BigEndian.Uint16(data[pos:pos+2]))

	if pos+1 > len(data) {
		return "", false
	}
	pos += 1 + int(data[pos])

	if pos+2 > len(data) {
		return "", false
	}
	end := pos + 2 + int(binary.BigEndian.Uint16(data[pos:pos+2]))
	pos += 2
	if end > len(data) {
		end = len(data)
	}

	for pos+4 <= end {
		extType := binary.BigEndian.Uint16(data[pos : pos+2])
		extLen := int(binary.BigEndian.Uint16(data[pos+2 : pos+4]))
		pos += 4

		if extType == 0x0000 {
			// List length (2), name type (1), name length (2), name.
			if pos+5 <= end && data[pos+2] == 0x00 {
				nameLen := int(binary.BigEndian.Uint16(data[pos+3 : pos+5]))
				if pos+5+nameLen <= end {
					return string(data[pos+5 : pos+5+nameLen]), true
				}
			}
			return "", false
		}
		pos += extLen
	}

	return "", false
}
