package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/ilyakaznacheev/cleanenv"
)

type Path string

func (p Path) Join(elem ...string) Path {
	parts := append([]string{string(p)}, elem...)
	return Path(filepath.Join(parts...))
}

func (p Path) ToString() string {
	return string(p)
}

// Exists reports whether the path points at a readable file.
func (p Path) Exists() bool {
	if p == "" {
		return false
	}
	info, err := os.Stat(p.ToString())
	return err == nil && !info.IsDir()
}

// Load reads a TOML file into cfg and applies env overrides and defaults.
func Load(path Path, cfg any) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	return cleanenv.ReadConfig(path.ToString(), cfg)
}

// LoadEnv fills cfg from the environment only (no file).
func LoadEnv(cfg any) error {
	return cleanenv.ReadEnv(cfg)
}

// LoadOrEnv uses the file when it exists and falls back to the environment.
func LoadOrEnv(path Path, cfg any) error {
	if path.Exists() {
		return Load(path, cfg)
	}
	return LoadEnv(cfg)
}
