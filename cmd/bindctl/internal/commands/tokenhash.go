package commands

import (
	"context"
	"fmt"

	"fides/pkg/secrets"
)

// TokenHashCmd mints an operator credential pair: the plaintext token for
// the operator and the bcrypt hash for the service configuration. The
// plaintext is printed once and never stored.
type TokenHashCmd struct{}

func (c *TokenHashCmd) Run(_ context.Context, _ *Globals) error {
	token, err := secrets.Generate()
	if err != nil {
		return fmt.Errorf("generate token: %w", err)
	}
	hash, err := secrets.Hash(token)
	if err != nil {
		return fmt.Errorf("hash token: %w", err)
	}

	fmt.Println("operator token (shown once, hand to the operator):")
	fmt.Println("  " + token)
	fmt.Println()
	fmt.Println("service configuration:")
	fmt.Println("  FIDES_OPERATOR_TOKEN_HASH=" + hash)
	return nil
}
