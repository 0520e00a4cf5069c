// Package certstore persists certificate artifacts on disk using a fixed
// per-domain layout:
//
//	<base>/<domain>/<staging|prod>/certificate.pem
//	<base>/<domain>/<staging|prod>/chain.pem
//	<base>/<domain>/<staging|prod>/fullchain.pem
//	<base>/<domain>/<staging|prod>/certificate.csr   (cached, optional)
//	<base>/<domain>/<staging|prod>/account.key       (ACME account key, optional)
//
// Artifact sets are written whole per successful renewal; a later renewal
// overwrites the set for the same domain/environment pair.
package certstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Environment selects the CA environment an artifact set belongs to.
type Environment string

const (
	EnvStaging    Environment = "staging"
	EnvProduction Environment = "prod"
)

// ErrNotFound is returned when a requested artifact is not on disk.
var ErrNotFound = errors.New("certstore: artifact not found")

const (
	certificateFile = "certificate.pem"
	chainFile       = "chain.pem"
	fullChainFile   = "fullchain.pem"
	csrFile         = "certificate.csr"
	accountKeyFile  = "account.key"
)

// ArtifactSet holds the three PEM payloads written per renewal.
type ArtifactSet struct {
	Certificate []byte
	Chain       []byte
	FullChain   []byte
}

// Store reads and writes certificate artifacts under a base directory.
type Store struct {
	baseDir string
}

// New creates a store rooted at baseDir, creating the directory if needed.
func New(baseDir string) (*Store, error) {
	baseDir = strings.TrimSpace(baseDir)
	if baseDir == "" {
		return nil, errors.New("certstore: base directory is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("certstore: ensure base directory: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

// Dir returns the directory holding artifacts for the domain/environment.
func (s *Store) Dir(domain string, env Environment) string {
	return filepath.Join(s.baseDir, safeFileSegment(domain), string(env))
}

// SaveArtifacts writes the full artifact set for the domain/environment,
// overwriting any previous set.
func (s *Store) SaveArtifacts(domain string, env Environment, set ArtifactSet) error {
	if len(set.Certificate) == 0 {
		return errors.New("certstore: empty certificate payload")
	}

	dir := s.Dir(domain, env)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("certstore: ensure directory: %w", err)
	}

	files := map[string][]byte{
		certificateFile: set.Certificate,
		chainFile:       set.Chain,
		fullChainFile:   set.FullChain,
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return fmt.Errorf("certstore: write %s: %w", name, err)
		}
	}
	return nil
}

// LoadArtifacts reads a previously written artifact set.
func (s *Store) LoadArtifacts(domain string, env Environment) (*ArtifactSet, error) {
	dir := s.Dir(domain, env)

	cert, err := readFile(filepath.Join(dir, certificateFile))
	if err != nil {
		return nil, err
	}
	chain, err := readFile(filepath.Join(dir, chainFile))
	if err != nil {
		return nil, err
	}
	full, err := readFile(filepath.Join(dir, fullChainFile))
	if err != nil {
		return nil, err
	}

	return &ArtifactSet{Certificate: cert, Chain: chain, FullChain: full}, nil
}

// SaveCSR caches a CSR so a retried renewal reuses the same key pair.
func (s *Store) SaveCSR(domain string, env Environment, csrPEM []byte) error {
	dir := s.Dir(domain, env)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("certstore: ensure directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, csrFile), csrPEM, 0o644); err != nil {
		return fmt.Errorf("certstore: write csr: %w", err)
	}
	return nil
}

// LoadCSR returns the cached CSR, or ErrNotFound when none exists.
func (s *Store) LoadCSR(domain string, env Environment) ([]byte, error) {
	return readFile(filepath.Join(s.Dir(domain, env), csrFile))
}

// SaveAccountKey persists the ACME account private key next to the
// certificates it issues. Written with owner-only permissions.
func (s *Store) SaveAccountKey(domain string, env Environment, keyPEM []byte) error {
	dir := s.Dir(domain, env)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("certstore: ensure directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, accountKeyFile), keyPEM, 0o600); err != nil {
		return fmt.Errorf("certstore: write account key: %w", err)
	}
	return nil
}

// LoadAccountKey returns the cached account key, or ErrNotFound.
func (s *Store) LoadAccountKey(domain string, env Environment) ([]byte, error) {
	return readFile(filepath.Join(s.Dir(domain, env), accountKeyFile))
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("certstore: read %s: %w", filepath.Base(path), err)
	}
	return data, nil
}

// safeFileSegment sanitizes a domain for use as a directory name.
func safeFileSegment(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return "certificate"
	}

	var b strings.Builder
	b.Grow(len(value))

	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	sanitized := strings.Trim(b.String(), "._-")
	if sanitized == "" {
		return "certificate"
	}
	return sanitized
}
