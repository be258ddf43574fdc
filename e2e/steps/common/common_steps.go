// Package common holds scenario steps that are not specific to any
// binding operation: raw requests, status and body assertions.
package common

import (
	"context"
	"fmt"
	"strings"

	"github.com/cucumber/godog"
)

// TestContext is the slice of the suite context these steps need.
type TestContext interface {
	POST(path string, body interface{}) error
	GET(path string) error
	GetResponseField(field string) (interface{}, error)
	ResponseContains(substring string) bool
	GetLastResponseStatus() int
	GetLastResponseBody() string
}

func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	ctx.Step(`^the identity service is running$`, func(context.Context) error {
		// Connectivity surfaces on the first real request.
		return nil
	})

	ctx.Step(`^I request "([^"]*)"$`, func(_ context.Context, path string) error {
		return tc.GET(path)
	})

	ctx.Step(`^the response status should be (\d+)$`, func(_ context.Context, expected int) error {
		if actual := tc.GetLastResponseStatus(); actual != expected {
			return fmt.Errorf("expected status %d, got %d: %s", expected, actual, tc.GetLastResponseBody())
		}
		return nil
	})

	ctx.Step(`^the response should contain "([^"]*)"$`, func(_ context.Context, substring string) error {
		if !tc.ResponseContains(substring) {
			return fmt.Errorf("response does not contain %q: %s", substring, tc.GetLastResponseBody())
		}
		return nil
	})

	ctx.Step(`^the response field "([^"]*)" should equal "([^"]*)"$`, func(_ context.Context, field, expected string) error {
		value, err := tc.GetResponseField(field)
		if err != nil {
			return err
		}
		actual := fmt.Sprintf("%v", value)
		if !strings.EqualFold(actual, expected) {
			return fmt.Errorf("field %q is %q, expected %q", field, actual, expected)
		}
		return nil
	})
}
