package e2e

import (
	"context"
	"fmt"

	"github.com/cucumber/godog"
)

// RegisterSteps wires the binding-lifecycle steps. Generic request and
// assertion glue lives in steps/common.
func RegisterSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	ctx.Step(`^my signing agent is ready$`, tc.signingAgentIsReady)

	ctx.Step(`^I onboard organization "([^"]*)" with payment customer "([^"]*)"$`, tc.onboardWithPaymentCustomer)
	ctx.Step(`^organization "([^"]*)" is onboarded with payment customer "([^"]*)"$`, tc.organizationIsOnboarded)

	ctx.Step(`^I remember the current nonce$`, tc.rememberCurrentNonce)
	ctx.Step(`^I rotate the binding with reason "([^"]*)"$`, tc.rotateBinding)
	ctx.Step(`^I revoke the binding with reason "([^"]*)"$`, tc.revokeBinding)
	ctx.Step(`^I bind a fresh nonce$`, tc.bindFreshNonce)

	ctx.Step(`^I validate the current nonce for "([^"]*)"$`, tc.validateCurrentNonce)
	ctx.Step(`^I validate the remembered nonce for "([^"]*)"$`, tc.validateRememberedNonce)
	ctx.Step(`^I validate nonce "([^"]*)" for organization "([^"]*)"$`, tc.validateLiteralNonce)
	ctx.Step(`^I validate the nonce of "([^"]*)" against "([^"]*)"$`, tc.validateForeignNonce)

	ctx.Step(`^the validation verdict is valid$`, tc.verdictIsValid)
	ctx.Step(`^the validation verdict is invalid with reason "([^"]*)"$`, tc.verdictIsInvalidWithReason)
	ctx.Step(`^the new nonce differs from the remembered one$`, tc.nonceDiffersFromRemembered)
}

func (tc *TestContext) signingAgentIsReady(ctx context.Context) error {
	if tc.Agent == nil {
		return fmt.Errorf("signing agent not started")
	}
	return nil
}

func (tc *TestContext) onboardWithPaymentCustomer(ctx context.Context, org, customer string) error {
	tc.CurrentOrg = org
	err := tc.POST("/orgs", map[string]interface{}{
		"org_id":           org,
		"public_key":       tc.Agent.PublicKeyHex(),
		"method":           "external_payment",
		"external_ref":     customer,
		"signing_endpoint": tc.Agent.Endpoint(),
	})
	if err != nil {
		return err
	}
	if tc.GetLastResponseStatus() == 201 {
		return tc.captureNonce(org)
	}
	return nil
}

// organizationIsOnboarded is the Given form: the onboarding must succeed.
func (tc *TestContext) organizationIsOnboarded(ctx context.Context, org, customer string) error {
	if err := tc.onboardWithPaymentCustomer(ctx, org, customer); err != nil {
		return err
	}
	if status := tc.GetLastResponseStatus(); status != 201 {
		return fmt.Errorf("onboarding %s failed with status %d: %s", org, status, tc.LastResponseBody)
	}
	return nil
}

func (tc *TestContext) captureNonce(org string) error {
	nonce, err := tc.GetResponseField("nonce")
	if err != nil {
		return err
	}
	value, ok := nonce.(string)
	if !ok || value == "" {
		return fmt.Errorf("response nonce is not a usable string: %v", nonce)
	}
	tc.Nonces[org] = value
	return nil
}

func (tc *TestContext) rememberCurrentNonce(ctx context.Context) error {
	nonce, ok := tc.Nonces[tc.CurrentOrg]
	if !ok {
		return fmt.Errorf("no nonce on record for %s", tc.CurrentOrg)
	}
	tc.Remembered = nonce
	return nil
}

func (tc *TestContext) rotateBinding(ctx context.Context, reason string) error {
	err := tc.POST("/orgs/"+tc.CurrentOrg+"/bindings/rotate", map[string]interface{}{
		"reason":           reason,
		"signing_endpoint": tc.Agent.Endpoint(),
	})
	if err != nil {
		return err
	}
	if tc.GetLastResponseStatus() == 200 {
		return tc.captureNonce(tc.CurrentOrg)
	}
	return nil
}

func (tc *TestContext) revokeBinding(ctx context.Context, reason string) error {
	return tc.POST("/orgs/"+tc.CurrentOrg+"/bindings/revoke", map[string]interface{}{
		"reason": reason,
	})
}

func (tc *TestContext) bindFreshNonce(ctx context.Context) error {
	err := tc.POST("/orgs/"+tc.CurrentOrg+"/bindings", map[string]interface{}{
		"signing_endpoint": tc.Agent.Endpoint(),
	})
	if err != nil {
		return err
	}
	if tc.GetLastResponseStatus() == 201 {
		return tc.captureNonce(tc.CurrentOrg)
	}
	return nil
}

func (tc *TestContext) validateCurrentNonce(ctx context.Context, org string) error {
	nonce, ok := tc.Nonces[org]
	if !ok {
		return fmt.Errorf("no nonce on record for %s", org)
	}
	return tc.validateLiteralNonce(ctx, nonce, org)
}

func (tc *TestContext) validateRememberedNonce(ctx context.Context, org string) error {
	if tc.Remembered == "" {
		return fmt.Errorf("no remembered nonce")
	}
	return tc.validateLiteralNonce(ctx, tc.Remembered, org)
}

func (tc *TestContext) validateLiteralNonce(ctx context.Context, nonce, org string) error {
	return tc.POST("/bindings/validate", map[string]interface{}{
		"org_id": org,
		"nonce":  nonce,
	})
}

// validateForeignNonce presents owner's live nonce as if it belonged to
// another organization.
func (tc *TestContext) validateForeignNonce(ctx context.Context, owner, target string) error {
	nonce, ok := tc.Nonces[owner]
	if !ok {
		return fmt.Errorf("no nonce on record for %s", owner)
	}
	return tc.validateLiteralNonce(ctx, nonce, target)
}

func (tc *TestContext) verdictIsValid(ctx context.Context) error {
	valid, err := tc.GetResponseField("valid")
	if err != nil {
		return err
	}
	if valid != true {
		return fmt.Errorf("expected a valid verdict, got: %s", tc.LastResponseBody)
	}
	return nil
}

func (tc *TestContext) verdictIsInvalidWithReason(ctx context.Context, reason string) error {
	valid, err := tc.GetResponseField("valid")
	if err != nil {
		return err
	}
	if valid != false {
		return fmt.Errorf("expected an invalid verdict, got: %s", tc.LastResponseBody)
	}
	actual, err := tc.GetResponseField("reason")
	if err != nil {
		return err
	}
	if actual != reason {
		return fmt.Errorf("expected reason %q, got %q", reason, actual)
	}
	return nil
}

func (tc *TestContext) nonceDiffersFromRemembered(ctx context.Context) error {
	current, ok := tc.Nonces[tc.CurrentOrg]
	if !ok {
		return fmt.Errorf("no nonce on record for %s", tc.CurrentOrg)
	}
	if tc.Remembered == "" {
		return fmt.Errorf("no remembered nonce")
	}
	if current == tc.Remembered {
		return fmt.Errorf("rotation kept the same nonce")
	}
	return nil
}
