package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"memory-gateway/config"
)

/*
CredentialsFile is the on-disk credential set managed by memgate-token and
loaded by the gateway. Tokens themselves are never written, only digests.
*/
type CredentialsFile struct {
	Credentials []config.Credential `json:"credentials" yaml:"credentials"`
}

/*
LoadCredentials reads a credentials file. A missing file is an empty set.
*/
func LoadCredentials(path string) ([]config.Credential, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var file CredentialsFile
	if isYAML(path) {
		err = yaml.Unmarshal(data, &file)
	} else {
		err = json.Unmarshal(data, &file)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return file.Credentials, nil
}

/*
SaveCredentials writes creds to path with owner-only permissions, replacing
the file atomically so a gateway reloading concurrently sees the old or the
new set, never a partial one.
*/
func SaveCredentials(path string, creds []config.Credential) error {
	sort.Slice(creds, func(i, j int) bool { return creds[i].Name < creds[j].Name })
	file := CredentialsFile{Credentials: creds}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(file)
	} else {
		data, err = json.MarshalIndent(file, "", "  ")
	}
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

/*
CreateCredential adds (or replaces) the credential called name and returns the
updated set with the new token. The token is shown to the caller once; only
its digest is kept.
*/
func CreateCredential(creds []config.Credential, name string, role config.Role, collections []string) ([]config.Credential, string, error) {
	if name == "" {
		return nil, "", errors.New("credential name is required")
	}
	if role != config.RoleAdmin && role != config.RoleMember {
		return nil, "", fmt.Errorf("unknown role %q, want admin or member", role)
	}

	token, err := GenerateToken()
	if err != nil {
		return nil, "", err
	}

	updated, _ := RevokeCredential(creds, name)
	updated = append(updated, config.Credential{
		Name:        name,
		TokenSHA256: HashToken(token),
		Role:        role,
		Collections: collections,
	})
	return updated, token, nil
}

// RevokeCredential removes the credential called name.
func RevokeCredential(creds []config.Credential, name string) ([]config.Credential, bool) {
	updated := make([]config.Credential, 0, len(creds))
	removed := false
	for _, cred := range creds {
		if cred.Name == name {
			removed = true
			continue
		}
		updated = append(updated, cred)
	}
	return updated, removed
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
