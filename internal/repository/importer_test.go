package repository

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trackguard/internal/config"
)

func collect(t *testing.T, raw string, src config.SourceConfig) []BlockedDomain {
	t.Helper()
	outChan := make(chan BlockedDomain, 100)
	err := ParseAndStream(strings.NewReader(raw), outChan, src)
	close(outChan)
	require.NoError(t, err)

	var results []BlockedDomain
	for item := range outChan {
		results = append(results, item)
	}
	return results
}

func domains(rows []BlockedDomain) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Domain)
	}
	return out
}

func TestParseHosts(t *testing.T) {
	rawFile := `
# This is a comment
127.0.0.1   localhost
0.0.0.0     adserver.com
0.0.0.0     Tracker.NET.   pixel.tracker.net # inline comment

# Another comment
0.0.0.0     malware.xyz
0.0.0.0 0.0.0.0
`
	results := collect(t, rawFile, config.SourceConfig{Name: "test", Format: "hosts", Category: "Advertising"})

	assert.Equal(t, []string{"adserver.com", "tracker.net", "pixel.tracker.net", "malware.xyz"}, domains(results))
	for _, r := range results {
		assert.Equal(t, "Advertising", r.Category)
		assert.Equal(t, "test", r.Source)
	}
}

func TestParseText(t *testing.T) {
	raw := "ads.test\n\n# comment\n! adblock comment\n*.wild.test\nhttps://full.url.test/path\n"
	results := collect(t, raw, config.SourceConfig{Name: "txt", Format: "text", Category: "Analytics"})
	assert.Equal(t, []string{"ads.test", "wild.test", "full.url.test"}, domains(results))
}

func TestParseCSV(t *testing.T) {
	raw := "id,Malicious_URL,score\n1,virus.test,9\n2,,1\n3,trojan.test,7\n"
	results := collect(t, raw, config.SourceConfig{Name: "csv", Format: "csv", Category: "Malware", TargetColumn: "malicious_url"})
	assert.Equal(t, []string{"virus.test", "trojan.test"}, domains(results))
}

func TestParseCSVMissingColumn(t *testing.T) {
	outChan := make(chan BlockedDomain, 10)
	err := ParseAndStream(strings.NewReader("a,b\n1,2\n"), outChan, config.SourceConfig{Format: "csv", TargetColumn: "url"})
	assert.Error(t, err)
	assert.Empty(t, outChan)
}

// brokenBody serves data and then fails every read, like a connection reset
// mid-download.
type brokenBody struct {
	r io.Reader
}

func (b *brokenBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err == io.EOF {
		return n, errors.New("connection reset by peer")
	}
	return n, err
}

func TestParseCSVBodyFails(t *testing.T) {
	src := config.SourceConfig{Name: "feed", Format: "csv", Category: "Ads", TargetColumn: "domain"}
	outChan := make(chan BlockedDomain, 100)

	done := make(chan error, 1)
	go func() {
		done <- ParseAndStream(&brokenBody{r: strings.NewReader("domain\nads.com\n")}, outChan, src)
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection reset")
	case <-time.After(3 * time.Second):
		t.Fatal("parser did not return after the body started failing")
	}
	close(outChan)

	var got []string
	for row := range outChan {
		got = append(got, row.Domain)
	}
	assert.Equal(t, []string{"ads.com"}, got)
}

func TestParseCSVSkipsBadRows(t *testing.T) {
	raw := "id,domain\n1,good.com\n2,bad\"row.com\n3,also.com\n"
	rows := collect(t, raw, config.SourceConfig{Name: "feed", Format: "csv", Category: "Ads", TargetColumn: "domain"})
	assert.Equal(t, []string{"good.com", "also.com"}, domains(rows))
}

func TestParseUnknownFormat(t *testing.T) {
	outChan := make(chan BlockedDomain, 1)
	err := ParseAndStream(strings.NewReader("{}"), outChan, config.SourceConfig{Format: "entities"})
	assert.Error(t, err)
}

func TestParseYAML(t *testing.T) {
	raw := `
Advertising:
  - ads.example.com
  - doubleclick.net
Social:
  - social.example.com
`
	results := collect(t, raw, config.SourceConfig{Name: "y", Format: "yaml"})
	require.Len(t, results, 3)
	assert.Equal(t, BlockedDomain{Domain: "ads.example.com", Category: "Advertising", Source: "y"}, results[0])
	assert.Equal(t, "Social", results[2].Category)

	only := collect(t, raw, config.SourceConfig{Name: "y", Format: "yaml", Category: "Social"})
	assert.Equal(t, []string{"social.example.com"}, domains(only))
}

const disconnectJSON = `{
  "license": "GPLv3",
  "categories": {
    "Advertising": [
      {"AdCo": {"http://adco.com/": ["adco.com", "adco-cdn.net"], "performance": "true"}}
    ],
    "Disconnect": [
      {"Facebook": {"https://facebook.com/": ["facebook.net"]}},
      {"Gravatar": {"http://gravatar.com/": ["gravatar.com"]}}
    ]
  }
}`

func TestParseDisconnect(t *testing.T) {
	results := collect(t, disconnectJSON, config.SourceConfig{Name: "disconnect", Format: "disconnect"})

	got := make(map[string]string)
	for _, r := range results {
		got[r.Domain] = r.Category
	}
	assert.Equal(t, map[string]string{
		"adco.com":     "Advertising",
		"adco-cdn.net": "Advertising",
		"facebook.net": "Social",
		"gravatar.com": "Content",
	}, got)
}

func TestParseEntities(t *testing.T) {
	for _, raw := range []string{
		`{"entities": {"Example": {"properties": ["example.com"], "resources": ["examplecdn.com"]}}}`,
		`{"Example": {"properties": ["example.com"], "resources": ["examplecdn.com"]}}`,
	} {
		outChan := make(chan EntityDomain, 10)
		require.NoError(t, ParseEntities(strings.NewReader(raw), outChan, config.SourceConfig{Name: "e"}))
		close(outChan)

		var rows []EntityDomain
		for r := range outChan {
			rows = append(rows, r)
		}
		assert.Equal(t, []EntityDomain{
			{Entity: "Example", Kind: KindProperty, Domain: "example.com"},
			{Entity: "Example", Kind: KindResource, Domain: "examplecdn.com"},
		}, rows)
	}
}

func TestParseWhitelist(t *testing.T) {
	rows := ParseWhitelist([]string{"news.test=cdn.test", "self.test", "=broken", ""})
	assert.Equal(t, []EntityDomain{
		{Entity: "user_manual:news.test", Kind: KindProperty, Domain: "news.test"},
		{Entity: "user_manual:news.test", Kind: KindResource, Domain: "cdn.test"},
		{Entity: "user_manual:self.test", Kind: KindProperty, Domain: "self.test"},
		{Entity: "user_manual:self.test", Kind: KindResource, Domain: "self.test"},
	}, rows)
}

func TestNormalizeDomain(t *testing.T) {
	tests := map[string]string{
		"  Ads.Example.COM. ":     "ads.example.com",
		"*.tracker.test":          "tracker.test",
		"https://x.test:8443/a/b": "x.test",
		"localhost":               "",
		"two words":               "",
		"":                        "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeDomain(in), in)
	}
}

// Run with: go test -fuzz=FuzzParseHosts ./internal/repository
func FuzzParseHosts(f *testing.F) {
	f.Add("0.0.0.0 ads.test")
	f.Add("#\n\n127.0.0.1")

	f.Fuzz(func(t *testing.T, data string) {
		outChan := make(chan BlockedDomain)
		go func() {
			for range outChan {
			}
		}()
		_ = ParseAndStream(strings.NewReader(data), outChan, config.SourceConfig{Format: "hosts"})
		close(outChan)
	})
}
