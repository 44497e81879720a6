package packet

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"
	"go.uber.org/zap"

	"trackguard/internal/engine"
)

// Decider is the part of engine.URLMatcher replay needs.
type Decider interface {
	Decide(resourceURL, pageURL string) engine.Decision
}

// Summary counts what a capture would have had blocked.
type Summary struct {
	Packets    int            `json:"packets"`
	Requests   int            `json:"requests"`
	Blocked    int            `json:"blocked"`
	ByCategory map[string]int `json:"by_category"`
}

// pcapng section header block type.
var ngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// Replay reads a pcap or pcapng capture, pulls a Request out of every packet
// that carries one and asks m about it. The Referer, when present, is used as
// the page URL. fn, if not nil, sees every request with its decision.
func Replay(r io.Reader, m Decider, logger *zap.Logger, fn func(Request, engine.Decision)) (Summary, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sum := Summary{ByCategory: make(map[string]int)}

	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return sum, fmt.Errorf("read capture header: %w", err)
	}

	var source *gopacket.PacketSource
	if bytes.Equal(magic, ngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return sum, fmt.Errorf("open pcapng: %w", err)
		}
		source = gopacket.NewPacketSource(ng, ng.LinkType())
	} else {
		pr, err := pcapgo.NewReader(br)
		if err != nil {
			return sum, fmt.Errorf("open pcap: %w", err)
		}
		source = gopacket.NewPacketSource(pr, pr.LinkType())
	}

	for {
		p, err := source.NextPacket()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Usually a capture cut off mid-record.
			logger.Warn("capture ended early", zap.Error(err))
			break
		}
		sum.Packets++

		req, ok := requestFromPacket(p)
		if !ok {
			continue
		}
		sum.Requests++

		d := m.Decide(req.URL, req.Referer)
		if d.Blocked {
			sum.Blocked++
			if d.Category != "" {
				sum.ByCategory[d.Category]++
			}
		}
		if fn != nil {
			fn(req, d)
		}
	}

	logger.Info("capture replayed",
		zap.Int("packets", sum.Packets),
		zap.Int("requests", sum.Requests),
		zap.Int("blocked", sum.Blocked),
	)
	return sum, nil
}
