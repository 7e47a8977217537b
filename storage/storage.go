// Package storage persists the signing settings an Account Manager needs to
// resume work across process restarts: the account email, its server
// assigned URI, and the PEM-encoded account key.
//
// Grounded on cpu-acmeshell's acme/resources.SaveAccount/RestoreAccount
// (acme/resources/account.go), which serialized an equivalent rawAccount
// struct to a single JSON file with 0600 permissions. This package keeps that
// shape but switches the on-disk codec to YAML (matching the pack's config
// file convention, see gopkg.in/yaml.v3) and narrows the interface so callers
// can supply their own backing store.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cpu/certify-engine/acme/keys"
)

// Settings is the blob a Storage implementation reads and writes: the
// account's contact email, its server-assigned URI, and its PEM-encoded
// private key.
type Settings struct {
	AccountEmail  string `yaml:"account_email"`
	AccountURI    string `yaml:"account_uri"`
	AccountKeyPEM string `yaml:"account_key_pem"`
}

// Storage reads and writes the signing settings blob described in §6.
// Implementations must treat the key material as sensitive and restrict file
// permissions accordingly.
type Storage interface {
	// Load returns the persisted Settings, or os.ErrNotExist (or an error
	// satisfying errors.Is against it) if nothing has been persisted yet.
	Load() (*Settings, error)
	// Save persists s, overwriting any previous contents.
	Save(s *Settings) error
}

// FileStore is the reference Storage implementation: a single YAML file on
// disk, written with 0600 permissions since it carries a private key.
type FileStore struct {
	path string
	// legacyPath, if set, names a pre-existing plaintext JSON account file
	// (cpu-acmeshell's SaveAccount format) to migrate on first Load. The
	// legacy file is removed once its contents have been folded into path.
	legacyPath string
}

// NewFileStore builds a FileStore backed by path. If legacyPath is non-empty
// and path does not yet exist, Load migrates legacyPath's contents into path
// and removes legacyPath.
func NewFileStore(path, legacyPath string) *FileStore {
	return &FileStore{path: path, legacyPath: legacyPath}
}

// Load reads the settings blob, migrating a legacy plaintext key file on
// first use per §6 ("Legacy plaintext key file must be migrated to the blob
// on first load and then deleted.").
func (f *FileStore) Load() (*Settings, error) {
	if _, err := os.Stat(f.path); errors.Is(err, os.ErrNotExist) && f.legacyPath != "" {
		if _, lerr := os.Stat(f.legacyPath); lerr == nil {
			settings, merr := migrateLegacyAccount(f.legacyPath)
			if merr != nil {
				return nil, fmt.Errorf("migrating legacy account file %q: %w", f.legacyPath, merr)
			}
			if err := f.Save(settings); err != nil {
				return nil, fmt.Errorf("writing migrated settings to %q: %w", f.path, err)
			}
			if err := os.Remove(f.legacyPath); err != nil {
				return nil, fmt.Errorf("removing legacy account file %q: %w", f.legacyPath, err)
			}
			return settings, nil
		}
	}

	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}

	var s Settings
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parsing settings file %q: %w", f.path, err)
	}
	return &s, nil
}

// Save writes s to the FileStore's path, creating its parent directory if
// absent, using file mode 0600 since the blob carries a private key.
func (f *FileStore) Save(s *Settings) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("creating settings directory: %w", err)
	}

	raw, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling settings: %w", err)
	}
	return os.WriteFile(f.path, raw, 0600)
}

// legacyRawAccount mirrors cpu-acmeshell's rawAccount JSON shape, the format
// written by the original SaveAccount.
type legacyRawAccount struct {
	ID         string
	Contact    []string
	Orders     []string
	KeyType    string
	PrivateKey []byte
}

func migrateLegacyAccount(path string) (*Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var legacy legacyRawAccount
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, fmt.Errorf("parsing legacy account file: %w", err)
	}

	signer, err := keys.UnmarshalSigner(legacy.PrivateKey, legacy.KeyType)
	if err != nil {
		return nil, fmt.Errorf("unmarshaling legacy account key: %w", err)
	}
	keyPEM, err := keys.SignerToPEM(signer)
	if err != nil {
		return nil, fmt.Errorf("re-encoding legacy account key as PEM: %w", err)
	}

	var email string
	if len(legacy.Contact) > 0 {
		email = strings.TrimPrefix(legacy.Contact[0], "mailto:")
	}

	return &Settings{
		AccountEmail:  email,
		AccountURI:    legacy.ID,
		AccountKeyPEM: keyPEM,
	}, nil
}
