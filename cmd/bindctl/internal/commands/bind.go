package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	httptransport "fides/internal/transport/http"
)

// BindCmd groups the binding lifecycle subcommands.
type BindCmd struct {
	Validate BindValidateCmd `cmd:"" help:"Check a nonce against an organization's active binding"`
	Rotate   BindRotateCmd   `cmd:"" help:"Retire the active nonce and issue a fresh one"`
	Revoke   BindRevokeCmd   `cmd:"" help:"Revoke the active binding without replacement"`
	Show     BindShowCmd     `cmd:"" help:"Show the organization's current binding"`
	History  BindHistoryCmd  `cmd:"" help:"List every binding the organization has held"`
}

type BindValidateCmd struct {
	Org   string `arg:"" help:"Organization id."`
	Nonce string `arg:"" help:"Nonce to validate."`
}

func (c *BindValidateCmd) Run(ctx context.Context, globals *Globals) error {
	var resp httptransport.ValidateResponse
	err := globals.post(ctx, "/bindings/validate", httptransport.ValidateRequest{
		OrgID: c.Org,
		Nonce: c.Nonce,
	}, &resp)
	if err != nil {
		return err
	}

	if !resp.Valid {
		return fmt.Errorf("invalid: %s", resp.Reason)
	}

	fmt.Println("valid")
	if resp.Binding != nil {
		printBinding(resp.Binding)
	}
	return nil
}

type BindRotateCmd struct {
	Org          string `arg:"" help:"Organization id."`
	Reason       string `help:"Why the nonce is being rotated." required:""`
	NewPublicKey string `help:"Replacement public key, hex encoded. Keeps the current key when omitted."`

	SigningEndpoint string `help:"URL of the organization's signing endpoint."`
	SigningKey      string `help:"Path to a hex-encoded Ed25519 key file. bindctl serves a loopback signing endpoint from it." type:"path"`
}

func (c *BindRotateCmd) Run(ctx context.Context, globals *Globals) error {
	endpoint, stop, err := resolveSigner(c.SigningEndpoint, c.SigningKey)
	if err != nil {
		return err
	}
	defer stop()

	var resp httptransport.NonceResponse
	err = globals.post(ctx, "/orgs/"+c.Org+"/bindings/rotate", httptransport.RotateRequest{
		Reason:          c.Reason,
		NewPublicKey:    c.NewPublicKey,
		SigningEndpoint: endpoint,
	}, &resp)
	if err != nil {
		return err
	}

	fmt.Println("rotated. new nonce (deliver to the organization, shown once):")
	fmt.Println("  " + resp.Nonce)
	return nil
}

type BindRevokeCmd struct {
	Org    string `arg:"" help:"Organization id."`
	Reason string `help:"Why the binding is being revoked." required:""`
}

func (c *BindRevokeCmd) Run(ctx context.Context, globals *Globals) error {
	var resp httptransport.RevokeResponse
	err := globals.post(ctx, "/orgs/"+c.Org+"/bindings/revoke", httptransport.RevokeRequest{
		Reason: c.Reason,
	}, &resp)
	if err != nil {
		return err
	}

	fmt.Printf("binding for %s revoked\n", resp.OrgID)
	return nil
}

type BindShowCmd struct {
	Org string `arg:"" help:"Organization id."`
}

func (c *BindShowCmd) Run(ctx context.Context, globals *Globals) error {
	var resp httptransport.BindingResponse
	err := globals.get(ctx, "/orgs/"+c.Org+"/bindings/current", &resp)

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == "no_binding" {
		fmt.Println("none")
		return nil
	}
	if err != nil {
		return err
	}

	printBinding(&resp)
	return nil
}

type BindHistoryCmd struct {
	Org string `arg:"" help:"Organization id."`
}

func (c *BindHistoryCmd) Run(ctx context.Context, globals *Globals) error {
	var resp httptransport.BindingHistoryResponse
	if err := globals.get(ctx, "/orgs/"+c.Org+"/bindings", &resp); err != nil {
		return err
	}

	if len(resp.Bindings) == 0 {
		fmt.Println("none")
		return nil
	}

	for i, b := range resp.Bindings {
		fmt.Printf("%d. %s  bound %s", i+1, b.Status, b.BoundAt.Format(time.RFC3339))
		if b.RevokedAt != nil {
			fmt.Printf("  revoked %s (%s)", b.RevokedAt.Format(time.RFC3339), b.RevocationReason)
		}
		fmt.Println()
	}
	return nil
}

func printBinding(b *httptransport.BindingResponse) {
	fmt.Printf("  org:        %s\n", b.OrgID)
	fmt.Printf("  status:     %s\n", b.Status)
	fmt.Printf("  public key: %s\n", b.PublicKey)
	fmt.Printf("  bound at:   %s\n", b.BoundAt.Format(time.RFC3339))
	if b.RevokedAt != nil {
		fmt.Printf("  revoked at: %s (%s)\n", b.RevokedAt.Format(time.RFC3339), b.RevocationReason)
	}
}
