package main

import (
	"context"

	"github.com/alecthomas/kong"

	"fides/cmd/bindctl/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Onboard     commands.OnboardCmd     `cmd:"" help:"Verify an organization and issue its first nonce binding"`
		Bind        commands.BindCmd        `cmd:"" help:"Inspect and manage nonce bindings"`
		Orgs        commands.OrgsCmd        `cmd:"" help:"List verified organizations or show one"`
		Fingerprint commands.FingerprintCmd `cmd:"" help:"Derive the anonymous-set fingerprint for a nonce"`
		Keygen      commands.KeygenCmd      `cmd:"" help:"Generate an Ed25519 signing keypair"`
		TokenHash   commands.TokenHashCmd   `cmd:"" help:"Mint an operator token and its configuration hash"`

		Server  string           `help:"Base URL of the fides service." default:"http://localhost:8080" env:"FIDES_SERVER"`
		Token   string           `help:"Operator bearer token for management commands." env:"FIDES_OPERATOR_TOKEN"`
		Version kong.VersionFlag `help:"Print version and exit."`
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("bindctl"),
		kong.Description("Operator tooling for the fides identity and nonce binding service."),
		kong.Vars{"version": version},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Server: cli.Server, Token: cli.Token, Version: version})
	cmd.FatalIfErrorf(err)
}
