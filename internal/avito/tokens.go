package avito

import (
	"context"
	"fmt"

	"github.com/fernet/fernet-go"
)

// FernetTokens decrypts encrypted_oauth_token values written by the account service.
// Several keys allow rotation: the first one is current, the rest only decrypt.
type FernetTokens struct {
	keys []*fernet.Key
}

func NewFernetTokens(keys ...string) (*FernetTokens, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("decode token keys: no keys")
	}
	ks, err := fernet.DecodeKeys(keys...)
	if err != nil {
		return nil, fmt.Errorf("decode token keys: %w", err)
	}
	return &FernetTokens{keys: ks}, nil
}

func (t *FernetTokens) AccessToken(_ context.Context, acc *Account) (string, error) {
	// срок жизни проверяет сам Авито по expires_at, не fernet
	msg := fernet.VerifyAndDecrypt([]byte(acc.EncryptedToken), -1, t.keys)
	if msg == nil {
		return "", fmt.Errorf("%w: account %d", ErrTokenUnreadable, acc.ID)
	}
	return string(msg), nil
}
