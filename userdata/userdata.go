// Package userdata prepares the user data handed to new instances, typically a cloud-init
// document.
package userdata

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	sprig "github.com/go-task/slim-sprig/v3"
	"github.com/klauspost/compress/gzip"
	"github.com/samber/lo"
)

// MaxEncodedSize is the largest base64 encoded user data the compute API accepts.
const MaxEncodedSize = 65535

type Options struct {
	// Render the file as a text/template before use
	Template bool
	// Compress with gzip, cloud-init detects and decompresses it
	Gzip bool

	// Template data
	Machine string
	Params  map[string]string
}

type TemplateData struct {
	Machine string
	Env     map[string]string
	Params  map[string]string
}

func Load(file string, options Options) ([]byte, error) {
	buf, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read user data: %w", err)
	}

	if options.Template {
		rendered, err := Render(string(buf), filepath.Dir(file), options)
		if err != nil {
			return nil, err
		}
		buf = []byte(rendered)
	}

	if options.Gzip {
		if buf, err = Compress(buf); err != nil {
			return nil, err
		}
	}

	if size := base64.StdEncoding.EncodedLen(len(buf)); size > MaxEncodedSize {
		return nil, fmt.Errorf("user data is too large: %d bytes once encoded, at most %d are accepted", size, MaxEncodedSize)
	}
	return buf, nil
}

// Render evaluates source as a template. Relative paths given to the "file" function are
// resolved from dir.
func Render(source string, dir string, options Options) (string, error) {
	funcs := sprig.TxtFuncMap()
	funcs["file"] = func(path string) (string, error) {
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		buf, err := os.ReadFile(path)
		return string(buf), err
	}
	funcs["lines"] = func(s string) []string {
		return strings.Split(strings.TrimRight(s, "\n"), "\n")
	}

	tmpl, err := template.New("user-data").Option("missingkey=error").Funcs(funcs).Parse(source)
	if err != nil {
		return "", fmt.Errorf("failed to parse user data template: %w", err)
	}

	data := TemplateData{
		Machine: options.Machine,
		Env:     lo.SliceToMap(os.Environ(), func(env string) (key, val string) { key, val, _ = strings.Cut(env, "="); return }),
		Params:  lo.Ternary(options.Params != nil, options.Params, map[string]string{}),
	}

	var output strings.Builder
	if err := tmpl.Execute(&output, data); err != nil {
		return "", fmt.Errorf("failed to execute user data template: %w", err)
	}
	return output.String(), nil
}

func Compress(buf []byte) ([]byte, error) {
	var compressed bytes.Buffer
	writer, err := gzip.NewWriterLevel(&compressed, gzip.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	if _, err := writer.Write(buf); err != nil {
		return nil, fmt.Errorf("failed to compress user data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress user data: %w", err)
	}
	return compressed.Bytes(), nil
}
