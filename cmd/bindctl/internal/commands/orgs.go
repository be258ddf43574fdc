package commands

import (
	"context"
	"fmt"
	"net/url"
	"time"

	httptransport "fides/internal/transport/http"
)

type OrgsCmd struct {
	Org    string `arg:"" optional:"" help:"Show one organization instead of listing."`
	Method string `help:"Verification method to list: external_payment, external_code_host, or manual."`
}

func (c *OrgsCmd) Run(ctx context.Context, globals *Globals) error {
	if c.Org != "" {
		return c.showOne(ctx, globals)
	}
	if c.Method == "" {
		return fmt.Errorf("either an organization id or --method is required")
	}

	var resp httptransport.IdentityListResponse
	if err := globals.get(ctx, "/orgs?method="+url.QueryEscape(c.Method), &resp); err != nil {
		return err
	}

	if len(resp.Organizations) == 0 {
		fmt.Printf("no organizations verified via %s\n", c.Method)
		return nil
	}

	fmt.Printf("%-30s %-22s %-25s %s\n", "Organization", "Method", "Verified At", "Binding")
	for _, org := range resp.Organizations {
		binding := "none"
		if org.Binding != nil {
			binding = org.Binding.Status
		}
		fmt.Printf("%-30s %-22s %-25s %s\n",
			org.OrgID, org.Method, org.VerifiedAt.Format(time.RFC3339), binding)
	}
	fmt.Printf("\n%d organization(s)\n", len(resp.Organizations))
	return nil
}

func (c *OrgsCmd) showOne(ctx context.Context, globals *Globals) error {
	var resp httptransport.IdentityResponse
	if err := globals.get(ctx, "/orgs/"+c.Org, &resp); err != nil {
		return err
	}

	fmt.Printf("organization: %s\n", resp.OrgID)
	fmt.Printf("  method:       %s\n", resp.Method)
	fmt.Printf("  external ref: %s\n", resp.ExternalRef)
	fmt.Printf("  public key:   %s\n", resp.PublicKey)
	fmt.Printf("  verified at:  %s\n", resp.VerifiedAt.Format(time.RFC3339))
	if resp.Binding == nil {
		fmt.Println("  binding:      none")
		return nil
	}
	fmt.Println("  binding:")
	printBinding(resp.Binding)
	return nil
}
