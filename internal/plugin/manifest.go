package plugin

import (
	"bufio"
	"bytes"
	"strings"
)

// runtimeHeaderPrefix marks a fallback manifest embedded as a leading
// comment block inside a bundle's entry file, for bundles that ship no
// plugin.ini. Each line has the form "#: key=value".
const runtimeHeaderPrefix = "#:"

// ParseManifest reads a trivial key=value plugin.ini: one "key=value" pair
// per line, blank lines and lines starting with '#' ignored. This is
// deliberately narrower than a structured format — spec.md scopes bundle
// manifest parsing to "a trivial key/value reader."
func ParseManifest(data []byte, source string) (Metadata, error) {
	kv := parseKV(data)
	return metadataFromKV(kv, source)
}

// ParseFallbackManifest reads the "#: key=value" header comment block from
// the top of a bundle's entry file — the Go-native substitute for the
// source language's code-level annotation fallback (Go has no runtime
// annotation facility to scan loaded bundle code for).
func ParseFallbackManifest(entryFile []byte, source string) (Metadata, error) {
	kv := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(entryFile))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, runtimeHeaderPrefix) {
			break
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, runtimeHeaderPrefix))
		if idx := strings.Index(rest, "="); idx >= 0 {
			kv[strings.TrimSpace(rest[:idx])] = strings.TrimSpace(rest[idx+1:])
		}
	}
	return metadataFromKV(kv, source)
}

func parseKV(data []byte) map[string]string {
	kv := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		if key != "" {
			kv[key] = val
		}
	}
	return kv
}

func metadataFromKV(kv map[string]string, source string) (Metadata, error) {
	name := kv["name"]
	version := kv["version"]
	main := kv["main"]

	var missing []string
	if name == "" {
		missing = append(missing, "name")
	}
	if version == "" {
		missing = append(missing, "version")
	}
	if main == "" {
		missing = append(missing, "main")
	}
	if len(missing) > 0 {
		return Metadata{}, &MetadataError{Bundle: source, Reason: "missing required field(s): " + strings.Join(missing, ", ")}
	}

	var deps []string
	if raw := kv["dependencies"]; raw != "" {
		for _, d := range strings.Split(raw, ",") {
			if d = strings.TrimSpace(d); d != "" {
				deps = append(deps, d)
			}
		}
	}

	return Metadata{
		Name:            name,
		Version:         version,
		Description:     kv["description"],
		Author:          kv["author"],
		Main:            main,
		Dependencies:    deps,
		Source:          source,
		Runtime:         kv[runtimeField],
		Extensions:      parseExtensionDecls(kv["extensions"]),
		ExtensionPoints: parseNameList(kv["extension-points"]),
	}, nil
}

// parseNameList splits a comma-separated list of names, trimming
// whitespace and dropping empty entries.
func parseNameList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, n := range strings.Split(raw, ",") {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// parseExtensionDecls parses "point=ordinal,point2=ordinal2" into a
// point-name -> ordinal map. Malformed entries never fail manifest parsing:
// an entry with no "=" or with a non-numeric ordinal is kept with ordinal 0.
func parseExtensionDecls(raw string) map[string]int {
	if raw == "" {
		return nil
	}
	out := make(map[string]int)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		idx := strings.Index(pair, "=")
		if idx < 0 {
			out[pair] = 0
			continue
		}
		point := strings.TrimSpace(pair[:idx])
		ordinal := 0
		for _, r := range strings.TrimSpace(pair[idx+1:]) {
			if r < '0' || r > '9' {
				ordinal = 0
				break
			}
			ordinal = ordinal*10 + int(r-'0')
		}
		out[point] = ordinal
	}
	return out
}
