// Package castore manages the certificate authority shared by every TLS
// enabled instance of a topology.
package castore

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/couchbaselabs/dstopo/utils/selfsignedcert"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	caCertFile = "ca.pem"
	caKeyFile  = "ca.key"
	serverDir  = "servers"
)

var ErrRemoved = errors.New("ca store has been removed")

type Options struct {
	Logger *zap.Logger
	Dir    string
	Name   string
}

// Store is created lazily by the first instance that needs TLS and is removed
// exactly once, after every instance has been stopped.
type Store struct {
	logger *zap.Logger
	dir    string
	name   string

	lock    sync.Mutex
	ca      *selfsignedcert.CA
	removed bool
}

func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	name := opts.Name
	if name == "" {
		name = "dstopo topology ca"
	}

	return &Store{
		logger: logger,
		dir:    opts.Dir,
		name:   name,
	}
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) CertPath() string {
	return filepath.Join(s.dir, caCertFile)
}

func (s *Store) KeyPath() string {
	return filepath.Join(s.dir, caKeyFile)
}

// Exists reports whether the CA material is present on disk.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.CertPath())
	return err == nil
}

// Ensure creates the CA on first use.  An existing CA left on disk by another
// process of the same run is reused.
func (s *Store) Ensure() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.ensureLocked()
}

func (s *Store) ensureLocked() error {
	if s.removed {
		return ErrRemoved
	}

	if s.ca != nil {
		return nil
	}

	if s.Exists() {
		certPEM, err := os.ReadFile(s.CertPath())
		if err != nil {
			return errors.Wrap(err, "failed to read ca certificate")
		}

		keyPEM, err := os.ReadFile(s.KeyPath())
		if err != nil {
			return errors.Wrap(err, "failed to read ca key")
		}

		ca, err := selfsignedcert.LoadCA(certPEM, keyPEM)
		if err != nil {
			return err
		}

		s.logger.Debug("reusing existing ca store", zap.String("dir", s.dir))
		s.ca = ca
		return nil
	}

	err := os.MkdirAll(s.dir, 0o700)
	if err != nil {
		return errors.Wrap(err, "failed to create ca store directory")
	}

	ca, err := selfsignedcert.GenerateCA(s.name)
	if err != nil {
		return err
	}

	err = os.WriteFile(s.KeyPath(), ca.KeyPEM, 0o600)
	if err != nil {
		return errors.Wrap(err, "failed to write ca key")
	}

	err = os.WriteFile(s.CertPath(), ca.CertPEM, 0o644)
	if err != nil {
		return errors.Wrap(err, "failed to write ca certificate")
	}

	s.logger.Info("created ca store", zap.String("dir", s.dir))
	s.ca = ca

	return nil
}

// IssueServerCert writes a server certificate and key for serverID signed by
// the CA and returns their paths.
func (s *Store) IssueServerCert(serverID string, hosts []string) (string, string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	err := s.ensureLocked()
	if err != nil {
		return "", "", err
	}

	certPEM, keyPEM, err := s.ca.IssueServerCert(hosts)
	if err != nil {
		return "", "", err
	}

	dir := filepath.Join(s.dir, serverDir, serverID)
	err = os.MkdirAll(dir, 0o700)
	if err != nil {
		return "", "", errors.Wrap(err, "failed to create server certificate directory")
	}

	certPath := filepath.Join(dir, "server.pem")
	keyPath := filepath.Join(dir, "server.key")

	err = os.WriteFile(keyPath, keyPEM, 0o600)
	if err != nil {
		return "", "", errors.Wrap(err, "failed to write server key")
	}

	err = os.WriteFile(certPath, certPEM, 0o644)
	if err != nil {
		return "", "", errors.Wrap(err, "failed to write server certificate")
	}

	return certPath, keyPath, nil
}

// Remove deletes the store from disk.  Only the first call does any work.
func (s *Store) Remove() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.removed {
		return nil
	}

	err := os.RemoveAll(s.dir)
	if err != nil {
		return errors.Wrap(err, "failed to remove ca store")
	}

	s.removed = true
	s.ca = nil

	s.logger.Info("removed ca store", zap.String("dir", s.dir))
	return nil
}
