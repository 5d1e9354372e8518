// Package settings resolves the upstream gateway URL and token used in
// single-tenant mode, when the browser does not name its own target.
package settings

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Settings is the upstream a session should connect to.
type Settings struct {
	URL   string
	Token string
}

// Loader resolves upstream settings. It is called once per connect handshake.
type Loader func(ctx context.Context) (Settings, error)

// Static returns a Loader that always yields s.
func Static(s Settings) Loader {
	return func(context.Context) (Settings, error) { return s, nil }
}

// hostFile is the subset of the OpenClaw host configuration the proxy reads.
// The file is JSON in practice; YAML is accepted as well.
type hostFile struct {
	Gateway struct {
		URL  string `yaml:"url"`
		Port int    `yaml:"port"`
		Auth struct {
			Token string `yaml:"token"`
		} `yaml:"auth"`
	} `yaml:"gateway"`
}

// FileLoader returns a Loader reading the host configuration at path on every
// call. A missing file yields empty settings. STUDIO_GATEWAY_URL and
// STUDIO_GATEWAY_TOKEN override the file.
func FileLoader(path string) Loader {
	return func(ctx context.Context) (Settings, error) {
		if err := ctx.Err(); err != nil {
			return Settings{}, err
		}
		s, err := readFile(path)
		if err != nil {
			return Settings{}, err
		}
		if v := os.Getenv("STUDIO_GATEWAY_URL"); v != "" {
			s.URL = v
		}
		if v := os.Getenv("STUDIO_GATEWAY_TOKEN"); v != "" {
			s.Token = v
		}
		return s, nil
	}
}

func readFile(path string) (Settings, error) {
	if path == "" {
		return Settings{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Settings{}, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var hf hostFile
	if err := yaml.Unmarshal(data, &hf); err != nil {
		return Settings{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	s := Settings{
		URL:   strings.TrimSpace(hf.Gateway.URL),
		Token: strings.TrimSpace(hf.Gateway.Auth.Token),
	}
	if s.URL == "" && hf.Gateway.Port > 0 {
		s.URL = fmt.Sprintf("ws://127.0.0.1:%d", hf.Gateway.Port)
	}
	return s, nil
}
