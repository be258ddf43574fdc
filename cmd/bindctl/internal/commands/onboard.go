package commands

import (
	"context"
	"fmt"
	"time"

	"fides/internal/binding/proof"
	httptransport "fides/internal/transport/http"
)

type OnboardCmd struct {
	Org         string `arg:"" help:"Organization id to onboard."`
	Method      string `help:"Verification method: external_payment, external_code_host, or manual." required:""`
	ExternalRef string `help:"External reference the organization claims." required:""`
	PublicKey   string `help:"Hex-encoded Ed25519 public key. Derived from --signing-key when omitted."`

	SigningEndpoint string `help:"URL of the organization's signing endpoint."`
	SigningKey      string `help:"Path to a hex-encoded Ed25519 key file. bindctl serves a loopback signing endpoint from it." type:"path"`
}

func (c *OnboardCmd) Run(ctx context.Context, globals *Globals) error {
	endpoint, stop, err := resolveSigner(c.SigningEndpoint, c.SigningKey)
	if err != nil {
		return err
	}
	defer stop()

	publicKey := c.PublicKey
	if publicKey == "" {
		if c.SigningKey == "" {
			return fmt.Errorf("--public-key is required when no --signing-key is given")
		}
		signer, err := proof.LoadLocalSigner(c.SigningKey)
		if err != nil {
			return err
		}
		publicKey = signer.PublicKeyHex().String()
	}

	var resp httptransport.OnboardResponse
	err = globals.post(ctx, "/orgs", httptransport.OnboardRequest{
		OrgID:           c.Org,
		PublicKey:       publicKey,
		Method:          c.Method,
		ExternalRef:     c.ExternalRef,
		SigningEndpoint: endpoint,
	}, &resp)
	if err != nil {
		return err
	}

	fmt.Printf("organization %s verified via %s\n", resp.OrgID, resp.Method)
	fmt.Printf("  external ref: %s\n", resp.ExternalRef)
	fmt.Printf("  verified at:  %s\n", resp.VerifiedAt.Format(time.RFC3339))
	fmt.Println()
	fmt.Println("nonce (deliver to the organization, shown once):")
	fmt.Println("  " + resp.Nonce)
	return nil
}
