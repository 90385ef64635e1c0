// Package keys stores signing keys on disk. Files are JSON and must be
// readable by the owner only.
package keys

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/didery/didery/internal/did"
	"github.com/didery/didery/internal/signing"
)

const filePerm os.FileMode = 0600

var (
	ErrInsecurePermissions = errors.New("insecure key file permissions")
	ErrMissingKey          = errors.New("key file has no signing key")
)

// File holds a signing key pair and, after inception, the pre-rotated pair.
type File struct {
	Priv             string `json:"priv"`
	Verify           string `json:"verify,omitempty"`
	Seed             string `json:"seed,omitempty"`
	PreRotatedPriv   string `json:"pre_rotated_priv,omitempty"`
	PreRotatedVerify string `json:"pre_rotated_verify,omitempty"`
}

// FromKeyPair builds a File for pair with an optional pre-rotated pair.
func FromKeyPair(pair, preRotated *signing.KeyPair) *File {
	f := &File{
		Priv:   pair.SigningKey,
		Verify: pair.VerificationKey,
		Seed:   pair.Seed,
	}
	if preRotated != nil {
		f.PreRotatedPriv = preRotated.SigningKey
		f.PreRotatedVerify = preRotated.VerificationKey
	}
	return f
}

// DID derives the identifier of the current verification key.
func (f *File) DID(method string) (string, error) {
	if f.Verify == "" {
		return "", fmt.Errorf("key file has no verification key")
	}
	return did.Generate64u(f.Verify, method), nil
}

func (f *File) validate() error {
	if f.Priv == "" {
		return ErrMissingKey
	}
	for name, k := range map[string]string{"priv": f.Priv, "pre_rotated_priv": f.PreRotatedPriv} {
		if k == "" {
			continue
		}
		if _, err := signing.Sign64u(nil, k); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}

// Save writes f to path with mode 0600, tightening an existing file.
func Save(path string, f *File) error {
	if err := f.validate(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key file: %w", err)
	}

	fp, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return fmt.Errorf("failed to create key file: %w", err)
	}
	if err := fp.Chmod(filePerm); err != nil {
		fp.Close()
		return fmt.Errorf("failed to set key file permissions: %w", err)
	}
	if _, err := fp.Write(data); err != nil {
		fp.Close()
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return fp.Close()
}

// Open reads a key file. Files with any permission other than 0600 are
// refused.
func Open(path string) (*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat key file: %w", err)
	}
	if info.Mode().Perm() != filePerm {
		return nil, fmt.Errorf("%w: %s is %04o", ErrInsecurePermissions, path, info.Mode().Perm())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse key file: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}
