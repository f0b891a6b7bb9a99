package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// File reads the credential from disk on every call, so an external
// refresher can rotate the token without restarting the client.
//
// The file holds either a bare token or a JSON object
// {"token": "...", "identity": "..."}.
type File struct {
	Path     string
	Identity string // Used when the file does not name one
}

// Credential implements Provider.
func (f File) Credential(ctx context.Context) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}

	data, err := os.ReadFile(f.Path)
	if err != nil {
		return Credential{}, fmt.Errorf("read token file: %w: %w", ErrUnavailable, err)
	}
	data = bytes.TrimSpace(data)

	cred := Credential{Identity: f.Identity}
	if len(data) > 0 && data[0] == '{' {
		var fromFile Credential
		if err := json.Unmarshal(data, &fromFile); err != nil {
			return Credential{}, fmt.Errorf("parse token file: %w", err)
		}
		cred.Token = fromFile.Token
		if fromFile.Identity != "" {
			cred.Identity = fromFile.Identity
		}
	} else {
		cred.Token = string(data)
	}

	if err := cred.Validate(); err != nil {
		return Credential{}, fmt.Errorf("token file %s: %w", f.Path, err)
	}
	return cred, nil
}
