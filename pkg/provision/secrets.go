package provision

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/genesishq/genesis/pkg/types"
)

const (
	provisioningTokenBytes = 48
	dbPasswordBytes        = 32
	engineKeyBytes         = 32
)

// mintSecrets generates the per-droplet credentials. base64url keeps
// them shell-safe inside the single-quoted env file.
func mintSecrets() (*types.Secrets, error) {
	token, err := randomToken(provisioningTokenBytes)
	if err != nil {
		return nil, err
	}
	password, err := randomToken(dbPasswordBytes)
	if err != nil {
		return nil, err
	}
	key, err := randomToken(engineKeyBytes)
	if err != nil {
		return nil, err
	}
	return &types.Secrets{
		ProvisioningToken: token,
		DBPassword:        password,
		EngineKey:         key,
	}, nil
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
