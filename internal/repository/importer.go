package repository

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"trackguard/internal/config"
)

// Disconnect lists carry a legacy "Disconnect" category. Its social widgets
// are moved to Social and everything else to Content.
const (
	disconnectCategory = "Disconnect"
	socialCategory     = "Social"
	contentCategory    = "Content"
)

var disconnectSocialOrgs = map[string]bool{
	"Facebook": true,
	"Twitter":  true,
}

// ParseAndStream decodes a category list in src.Format and sends its rows to
// outChan. The caller owns outChan and closes it.
func ParseAndStream(reader io.Reader, outChan chan<- BlockedDomain, src config.SourceConfig) error {
	switch strings.ToLower(src.Format) {
	case "csv":
		return parseCSV(reader, outChan, src)
	case "text":
		return parseText(reader, outChan, src)
	case "yaml":
		return parseYAML(reader, outChan, src)
	case "disconnect":
		return parseDisconnect(reader, outChan, src)
	case "hosts", "":
		return parseHosts(reader, outChan, src)
	default:
		return fmt.Errorf("format %q is not a category list", src.Format)
	}
}

// NormalizeDomain turns a list entry into a trie pattern. It returns "" for
// entries that must not be blocked.
func NormalizeDomain(raw string) string {
	d := strings.ToLower(strings.TrimSpace(raw))
	if strings.Contains(d, "://") {
		if u, err := url.Parse(d); err == nil {
			d = u.Hostname()
		}
	}
	d = strings.TrimPrefix(d, "*.")
	d = strings.Trim(d, ".")

	switch d {
	case "", "localhost", "localhost.localdomain", "local", "broadcasthost", "0.0.0.0", "ip6-localhost", "ip6-loopback":
		return ""
	}
	if strings.ContainsAny(d, " \t/") {
		return ""
	}
	return d
}

func emit(outChan chan<- BlockedDomain, domain, category, source string) {
	if d := NormalizeDomain(domain); d != "" {
		outChan <- BlockedDomain{Domain: d, Category: category, Source: source}
	}
}

// 1. HOSTS format: "0.0.0.0 domain.com [more.com ...] # comment"
func parseHosts(reader io.Reader, outChan chan<- BlockedDomain, src config.SourceConfig) error {
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		for _, domain := range parts[1:] {
			emit(outChan, domain, src.Category, src.Name)
		}
	}
	return scanner.Err()
}

// 2. TEXT format: one domain per line.
func parseText(reader io.Reader, outChan chan<- BlockedDomain, src config.SourceConfig) error {
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		emit(outChan, line, src.Category, src.Name)
	}
	return scanner.Err()
}

// 3. CSV format: the domain lives in src.TargetColumn.
func parseCSV(reader io.Reader, outChan chan<- BlockedDomain, src config.SourceConfig) error {
	csvReader := csv.NewReader(reader)
	csvReader.FieldsPerRecord = -1

	header, err := csvReader.Read()
	if err != nil {
		return fmt.Errorf("read csv header for %s: %w", src.Name, err)
	}

	targetIndex := -1
	targetCol := strings.ToLower(src.TargetColumn)
	for i, col := range header {
		if strings.ToLower(strings.TrimSpace(col)) == targetCol {
			targetIndex = i
			break
		}
	}
	if targetIndex == -1 {
		return fmt.Errorf("column %q not found in csv for %s", src.TargetColumn, src.Name)
	}

	for {
		record, err := csvReader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			// A bad row is skipped. Anything else means the body is gone.
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				continue
			}
			return fmt.Errorf("read csv %s: %w", src.Name, err)
		}
		if len(record) > targetIndex {
			emit(outChan, record[targetIndex], src.Category, src.Name)
		}
	}
}

// 4. YAML format: a mapping of category name to a list of domains. When
// src.Category is set only that category is imported.
func parseYAML(reader io.Reader, outChan chan<- BlockedDomain, src config.SourceConfig) error {
	var doc map[string][]string
	if err := yaml.NewDecoder(reader).Decode(&doc); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("decode yaml list %s: %w", src.Name, err)
	}

	for _, category := range sortedKeys(doc) {
		if src.Category != "" && category != src.Category {
			continue
		}
		for _, domain := range doc[category] {
			emit(outChan, domain, category, src.Name)
		}
	}
	return nil
}

// 5. Disconnect services.json:
//
//	{"categories": {"Advertising": [{"Org": {"https://org.com/": ["org.com", ...], "dnt": "w3c"}}]}}
//
// Non-array values inside an organization are flags and are skipped.
func parseDisconnect(reader io.Reader, outChan chan<- BlockedDomain, src config.SourceConfig) error {
	var doc struct {
		Categories map[string][]map[string]map[string]json.RawMessage `json:"categories"`
	}
	if err := json.NewDecoder(reader).Decode(&doc); err != nil {
		return fmt.Errorf("decode disconnect list %s: %w", src.Name, err)
	}

	for _, category := range sortedKeys(doc.Categories) {
		for _, orgs := range doc.Categories[category] {
			for _, org := range sortedKeys(orgs) {
				target := category
				if category == disconnectCategory {
					target = contentCategory
					if disconnectSocialOrgs[org] {
						target = socialCategory
					}
				}
				if src.Category != "" && target != src.Category {
					continue
				}

				for _, site := range sortedKeys(orgs[org]) {
					var domains []string
					if err := json.Unmarshal(orgs[org][site], &domains); err != nil {
						continue
					}
					for _, domain := range domains {
						emit(outChan, domain, target, src.Name)
					}
				}
			}
		}
	}
	return nil
}

// ParseEntities decodes a Disconnect entity list and streams one row per
// property and resource. Both the bare form {"Org": {...}} and the wrapped
// form {"entities": {"Org": {...}}} are accepted. The caller closes outChan.
func ParseEntities(reader io.Reader, outChan chan<- EntityDomain, src config.SourceConfig) error {
	type entity struct {
		Properties []string `json:"properties"`
		Resources  []string `json:"resources"`
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(reader).Decode(&raw); err != nil {
		return fmt.Errorf("decode entity list %s: %w", src.Name, err)
	}
	if wrapped, ok := raw["entities"]; ok {
		raw = nil
		if err := json.Unmarshal(wrapped, &raw); err != nil {
			return fmt.Errorf("decode entity list %s: %w", src.Name, err)
		}
	}

	for _, name := range sortedKeys(raw) {
		var e entity
		if err := json.Unmarshal(raw[name], &e); err != nil {
			continue
		}
		for _, p := range e.Properties {
			if d := NormalizeDomain(p); d != "" {
				outChan <- EntityDomain{Entity: name, Kind: KindProperty, Domain: d}
			}
		}
		for _, r := range e.Resources {
			if d := NormalizeDomain(r); d != "" {
				outChan <- EntityDomain{Entity: name, Kind: KindResource, Domain: d}
			}
		}
	}
	return nil
}

// ParseWhitelist turns config whitelist entries into entity rows. An entry is
// either "page.com=resource.com" or a bare "domain.com", which lets the
// domain load from itself and its subdomains on any of its own pages.
func ParseWhitelist(entries []string) []EntityDomain {
	var out []EntityDomain
	for _, entry := range entries {
		page, resource, found := strings.Cut(entry, "=")
		if !found {
			resource = page
		}
		page, resource = NormalizeDomain(page), NormalizeDomain(resource)
		if page == "" || resource == "" {
			continue
		}
		name := UserSource + ":" + page
		out = append(out,
			EntityDomain{Entity: name, Kind: KindProperty, Domain: page},
			EntityDomain{Entity: name, Kind: KindResource, Domain: resource},
		)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
