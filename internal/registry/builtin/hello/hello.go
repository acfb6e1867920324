// Package hello embeds the one seed plugin shipped with the host: a
// minimal command-echo example (manifest.json + hello.js) packed, on each
// Package call, into the same tar+gzip .nbp shape every other package
// arrives in, so it installs through the exact same registry.Install path as a
// market- or admin-uploaded package.
package hello

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	_ "embed"
	"fmt"
)

//go:embed manifest.json
var manifestJSON []byte

//go:embed hello.js
var entrySource []byte

// Package returns the tar+gzip bytes of the seed "hello" package, suitable
// for registry.Registry.Install.
func Package() ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for name, data := range map[string][]byte{
		"manifest.json": manifestJSON,
		"hello.js":      entrySource,
	} {
		if err := tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(data)),
			Typeflag: tar.TypeReg,
		}); err != nil {
			return nil, fmt.Errorf("hello: writing tar header for %s: %w", name, err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, fmt.Errorf("hello: writing tar body for %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("hello: closing tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("hello: closing gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}
