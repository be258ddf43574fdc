// Package main provides a CLI tool for minting and inspecting fides nonces.
// Codec nonces minted with the dev key will NOT validate against a
// production deployment.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"fides/internal/binding/nonce"
	id "fides/pkg/domain"
)

// Dev codec key, matches config.go when FIDES_NONCE_CODEC_KEY is not set.
const devCodecKey = "fides-dev-codec-key-change-in-production"

type nonceOutput struct {
	Nonce    string            `json:"nonce"`
	Strategy string            `json:"strategy"`
	Claims   map[string]any    `json:"claims,omitempty"`
	Usage    map[string]string `json:"usage"`
}

func main() {
	mintCmd := flag.NewFlagSet("mint", flag.ExitOnError)
	inspectCmd := flag.NewFlagSet("inspect", flag.ExitOnError)
	randomCmd := flag.NewFlagSet("random", flag.ExitOnError)

	mintOrg := mintCmd.String("org", "", "Organization ID the nonce is minted for (required)")
	mintKey := mintCmd.String("key", "", "Codec HMAC key (defaults to the dev key)")
	mintJSON := mintCmd.Bool("json", false, "Output as JSON")

	inspectNonce := inspectCmd.String("nonce", "", "Codec nonce to decode (required)")
	inspectKey := inspectCmd.String("key", "", "Codec HMAC key (defaults to the dev key)")
	inspectJSON := inspectCmd.Bool("json", false, "Output as JSON")

	randomJSON := randomCmd.Bool("json", false, "Output as JSON")

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "mint":
		mintCmd.Parse(os.Args[2:])
		mintNonce(*mintOrg, *mintKey, *mintJSON)
	case "inspect":
		inspectCmd.Parse(os.Args[2:])
		decodeNonce(*inspectNonce, *inspectKey, *inspectJSON)
	case "random":
		randomCmd.Parse(os.Args[2:])
		randomNonce(*randomJSON)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`noncegen - Mint and inspect fides nonces

WARNING: Codec nonces use the HMAC key baked into the server config.
         Nonces minted with the dev key only work against a dev server.

Usage:
  noncegen <command> [flags]

Commands:
  mint      Mint a codec nonce (self-describing HS256 token)
  inspect   Decode a codec nonce and print its claims
  random    Mint an opaque random nonce

Examples:
  # Mint a codec nonce for an organization
  noncegen mint -org "org-acme"

  # Mint with a production key
  noncegen mint -org "org-acme" -key "$FIDES_NONCE_CODEC_KEY"

  # Decode a nonce handed back by an operator
  noncegen inspect -nonce "eyJhbGciOi..."

  # Output as JSON
  noncegen mint -org "org-acme" -json

Use "noncegen <command> -h" for more information about a command.`)
}

func mintNonce(org, key string, jsonOutput bool) {
	if org == "" {
		fmt.Fprintln(os.Stderr, "mint requires -org")
		os.Exit(1)
	}
	gen, keyType := codecGenerator(key)

	minted, err := gen.Generate(id.OrgID(org), time.Now().UTC())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error minting nonce: %v\n", err)
		os.Exit(1)
	}

	if jsonOutput {
		printJSON(nonceOutput{
			Nonce:    minted.String(),
			Strategy: "codec",
			Claims: map[string]any{
				"org_id": org,
			},
			Usage: map[string]string{
				"codec_key": keyType,
				"validate":  `POST /api/v1/orgs/` + org + `/bindings/validate {"nonce": "<nonce>"}`,
			},
		})
		return
	}
	fmt.Println("Codec Nonce")
	fmt.Println("===========")
	fmt.Printf("Codec Key:    %s\n", keyType)
	fmt.Printf("Organization: %s\n", org)
	fmt.Println()
	fmt.Println("Nonce:")
	fmt.Println(minted)
	fmt.Println()
	fmt.Println("Note: minting does not bind. Use bindctl or POST /orgs to bind.")
}

func decodeNonce(raw, key string, jsonOutput bool) {
	if raw == "" {
		fmt.Fprintln(os.Stderr, "inspect requires -nonce")
		os.Exit(1)
	}
	gen, keyType := codecGenerator(key)

	claims, err := gen.Decode(id.Nonce(raw))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error decoding nonce: %v\n", err)
		os.Exit(1)
	}

	mintedAt := ""
	if claims.IssuedAt != nil {
		mintedAt = claims.IssuedAt.Time.UTC().Format(time.RFC3339)
	}

	if jsonOutput {
		printJSON(nonceOutput{
			Nonce:    raw,
			Strategy: "codec",
			Claims: map[string]any{
				"org_id":    claims.Subject,
				"minted_at": mintedAt,
				"salt":      claims.Salt,
			},
			Usage: map[string]string{
				"codec_key": keyType,
			},
		})
		return
	}
	fmt.Println("Codec Nonce Claims")
	fmt.Println("==================")
	fmt.Printf("Codec Key:    %s\n", keyType)
	fmt.Printf("Organization: %s\n", claims.Subject)
	fmt.Printf("Minted At:    %s\n", mintedAt)
	fmt.Printf("Salt:         %s\n", claims.Salt)
}

func randomNonce(jsonOutput bool) {
	minted, err := nonce.NewRandomGenerator().Generate("", time.Now().UTC())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error minting nonce: %v\n", err)
		os.Exit(1)
	}

	if jsonOutput {
		printJSON(nonceOutput{
			Nonce:    minted.String(),
			Strategy: "random",
			Usage: map[string]string{
				"note": "Opaque nonce, carries no claims. Inspect does not apply.",
			},
		})
		return
	}
	fmt.Println("Random Nonce")
	fmt.Println("============")
	fmt.Println(minted)
}

func codecGenerator(key string) (*nonce.CodecGenerator, string) {
	keyType := "custom"
	if key == "" {
		key = devCodecKey
		keyType = "dev"
	}
	gen, err := nonce.NewCodecGenerator([]byte(key))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid codec key: %v\n", err)
		os.Exit(1)
	}
	return gen, keyType
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		os.Exit(1)
	}
}
