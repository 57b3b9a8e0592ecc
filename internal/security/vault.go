package security

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrSecretExists   = errors.New("secret already exists")
	ErrSecretNotFound = errors.New("secret not found")
)

// SecretVersion is one immutable version of a vault secret.
type SecretVersion struct {
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// VaultConfig selects the storage backend.
type VaultConfig struct {
	StorageType string `json:"storage_type" mapstructure:"storage_type"` // "memory" or "file"
	StoragePath string `json:"storage_path" mapstructure:"storage_path"`
}

// Vault is a versioned secret store sealed with AES-GCM. It mirrors the
// create / add-version / access-latest model of a cloud secret manager so
// deploys can be rehearsed without one.
type Vault struct {
	records RecordStore
	sealer  *Sealer
	now     func() time.Time
	mu      sync.Mutex
}

type vaultRecord struct {
	Name     string          `json:"name"`
	Versions []SecretVersion `json:"versions"`
}

// NewVault opens a vault. key is the vault subkey from NewKeys.
func NewVault(cfg VaultConfig, key []byte) (*Vault, error) {
	var records RecordStore
	switch cfg.StorageType {
	case "", "memory":
		records = NewMemoryRecordStore()
	case "file":
		fs, err := NewFileRecordStore(cfg.StoragePath)
		if err != nil {
			return nil, err
		}
		records = fs
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.StorageType)
	}
	return NewVaultWithStorage(records, key)
}

// NewVaultWithStorage opens a vault over an existing backend.
func NewVaultWithStorage(records RecordStore, key []byte) (*Vault, error) {
	sealer, err := NewSealer(key)
	if err != nil {
		return nil, err
	}
	return &Vault{records: records, sealer: sealer, now: time.Now}, nil
}

// Create stores a new secret with payload as version 1. It returns
// ErrSecretExists when the secret already exists.
func (v *Vault) Create(name string, payload []byte) (SecretVersion, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	_, err := v.records.Get(name)
	switch {
	case err == nil:
		return SecretVersion{}, fmt.Errorf("%w: %s", ErrSecretExists, name)
	case !errors.Is(err, ErrRecordNotFound):
		return SecretVersion{}, err
	}

	rec := &vaultRecord{Name: name}
	version := v.appendVersion(rec, payload)
	return version, v.save(rec)
}

// AddVersion appends a version to an existing secret.
func (v *Vault) AddVersion(name string, payload []byte) (SecretVersion, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	rec, err := v.load(name)
	if err != nil {
		return SecretVersion{}, err
	}
	version := v.appendVersion(rec, payload)
	return version, v.save(rec)
}

// Latest returns the newest version of a secret.
func (v *Vault) Latest(name string) (SecretVersion, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	rec, err := v.load(name)
	if err != nil {
		return SecretVersion{}, err
	}
	if len(rec.Versions) == 0 {
		return SecretVersion{}, fmt.Errorf("%w: %s has no versions", ErrSecretNotFound, name)
	}
	return rec.Versions[len(rec.Versions)-1], nil
}

// Versions returns the number of versions of a secret.
func (v *Vault) Versions(name string) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	rec, err := v.load(name)
	if err != nil {
		return 0, err
	}
	return len(rec.Versions), nil
}

// Names lists every secret, sorted.
func (v *Vault) Names() ([]string, error) {
	return v.records.Names()
}

func (v *Vault) Delete(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.records.Delete(name)
}

func (v *Vault) appendVersion(rec *vaultRecord, payload []byte) SecretVersion {
	version := SecretVersion{
		Name:      rec.Name,
		Version:   len(rec.Versions) + 1,
		Payload:   append([]byte(nil), payload...),
		CreatedAt: v.now().UTC(),
	}
	rec.Versions = append(rec.Versions, version)
	return version
}

func (v *Vault) load(name string) (*vaultRecord, error) {
	sealed, err := v.records.Get(name)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	data, err := v.sealer.Open(name, sealed)
	if err != nil {
		return nil, err
	}
	var rec vaultRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal secret %s: %w", name, err)
	}
	return &rec, nil
}

func (v *Vault) save(rec *vaultRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal secret %s: %w", rec.Name, err)
	}
	sealed, err := v.sealer.Seal(rec.Name, data)
	if err != nil {
		return err
	}
	return v.records.Put(rec.Name, sealed)
}
