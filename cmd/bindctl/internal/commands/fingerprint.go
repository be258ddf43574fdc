package commands

import (
	"context"
	"fmt"

	httptransport "fides/internal/transport/http"
)

type FingerprintCmd struct {
	Nonce  string `arg:"" help:"Nonce to fingerprint."`
	Bucket int    `help:"Also derive a cohort bucket of this many leading characters." default:"0"`
}

func (c *FingerprintCmd) Run(ctx context.Context, globals *Globals) error {
	var resp httptransport.FingerprintResponse
	err := globals.post(ctx, "/fingerprints", httptransport.FingerprintRequest{
		Nonce:       c.Nonce,
		BucketChars: c.Bucket,
	}, &resp)
	if err != nil {
		return err
	}

	fmt.Println(resp.Fingerprint)
	if resp.Bucket != "" {
		fmt.Printf("bucket: %s\n", resp.Bucket)
	}
	return nil
}
