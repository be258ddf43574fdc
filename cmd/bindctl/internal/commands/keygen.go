package commands

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

type KeygenCmd struct {
	Out   string `help:"File to write the hex-encoded private key seed to." default:"fides-signing.key" type:"path"`
	Force bool   `help:"Overwrite an existing key file."`
}

func (c *KeygenCmd) Run(_ context.Context, _ *Globals) error {
	if !c.Force {
		if _, err := os.Stat(c.Out); err == nil {
			return fmt.Errorf("%s already exists, use --force to overwrite", c.Out)
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate keypair: %w", err)
	}

	seed := hex.EncodeToString(priv.Seed())
	if err := os.WriteFile(c.Out, []byte(seed+"\n"), 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}

	fmt.Printf("private key written to %s\n", c.Out)
	fmt.Printf("public key: %s\n", hex.EncodeToString(pub))
	return nil
}
