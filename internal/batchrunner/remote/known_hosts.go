package remote

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/neocortix/ncscli-sub000/internal/batchrunner/cloud"
)

// HostKey is one public host key of an instance, in authorized_keys form ("ecdsa-sha2-nistp256 AAAA...").
type HostKey struct {
	Hostname string
	Port     int
	Key      string
}

// Address is the known_hosts form of the key's host, "[host]:port" unless the port is 22.
func (k HostKey) Address() string {
	return knownhosts.Normalize(net.JoinHostPort(k.Hostname, strconv.Itoa(k.Port)))
}

// HostKeysFromSpecs returns the host keys of an instance, ordered by key type.
func HostKeysFromSpecs(specs cloud.SshSpecs) []HostKey {
	keyTypes := maps.Keys(specs.HostKeys)
	slices.Sort(keyTypes)
	keys := make([]HostKey, 0, len(keyTypes))
	for _, keyType := range keyTypes {
		keys = append(keys, HostKey{Hostname: specs.Host, Port: specs.Port, Key: specs.HostKeys[keyType]})
	}
	return keys
}

// HostKeyStore is a known_hosts file that instances' host keys are registered in and purged from.
type HostKeyStore struct {
	path string
	mu   sync.Mutex
}

func NewHostKeyStore(path string) *HostKeyStore {
	return &HostKeyStore{path: path}
}

func (s *HostKeyStore) Path() string {
	return s.path
}

// Add registers keys, replacing any entries already held for the same addresses.
// Keys that cannot be parsed are skipped and reported in the returned error.
func (s *HostKeyStore) Add(keys []HostKey) error {
	var lines []string
	var badKeys []string
	addresses := make(map[string]bool)
	for _, key := range keys {
		pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key.Key))
		if err != nil {
			badKeys = append(badKeys, key.Address())
			continue
		}
		addresses[key.Address()] = true
		lines = append(lines, knownhosts.Line([]string{key.Address()}, pub))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(lines) > 0 {
		if err := s.rewrite(addresses, lines); err != nil {
			return err
		}
	}
	if len(badKeys) > 0 {
		return errors.Errorf("unparseable host keys for %s", strings.Join(badKeys, ", "))
	}
	return nil
}

// Purge removes every entry held for the keys' addresses, whatever key it holds.
func (s *HostKeyStore) Purge(keys []HostKey) error {
	addresses := make(map[string]bool)
	for _, key := range keys {
		addresses[key.Address()] = true
	}
	if len(addresses) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rewrite(addresses, nil)
}

// Contains reports whether the store holds an entry for the given address.
func (s *HostKeyStore) Contains(address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.read()
	if err != nil {
		return false, err
	}
	for _, line := range existing {
		if lineMatches(line, map[string]bool{address: true}) {
			return true, nil
		}
	}
	return false, nil
}

func (s *HostKeyStore) rewrite(remove map[string]bool, add []string) error {
	existing, err := s.read()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	for _, line := range existing {
		if lineMatches(line, remove) {
			continue
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	for _, line := range add {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return errors.WithStack(err)
	}
	tmp := fmt.Sprintf("%s.%d.tmp", s.path, os.Getpid())
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmp, s.path))
}

func (s *HostKeyStore) read() ([]string, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, errors.WithStack(scanner.Err())
}

// lineMatches reports whether a known_hosts line names any of the addresses.
// Comments, hashed hostnames and lines that do not parse never match.
func lineMatches(line string, addresses map[string]bool) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return false
	}
	_, hosts, _, _, _, err := ssh.ParseKnownHosts([]byte(trimmed))
	if err != nil {
		return false
	}
	for _, host := range hosts {
		if addresses[host] {
			return true
		}
	}
	return false
}
