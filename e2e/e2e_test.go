package e2e

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/cucumber/godog"
	"github.com/cucumber/godog/colors"

	"fides/e2e/steps/common"
)

var opts = godog.Options{
	Format:      "pretty",
	Paths:       []string{"features"},
	Output:      colors.Colored(os.Stdout),
	Concurrency: 1,
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		Name:                "fides",
		ScenarioInitializer: InitializeScenario,
		Options:             &opts,
	}
	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}

func InitializeScenario(ctx *godog.ScenarioContext) {
	tc, err := NewTestContext()
	if err != nil {
		ctx.Before(func(c context.Context, _ *godog.Scenario) (context.Context, error) {
			return c, fmt.Errorf("test context setup failed: %w", err)
		})
		return
	}

	RegisterSteps(ctx, tc)
	common.RegisterSteps(ctx, tc)

	ctx.After(func(c context.Context, sc *godog.Scenario, scErr error) (context.Context, error) {
		if scErr != nil {
			fmt.Printf("scenario %q failed, last response: %s\n", sc.Name, tc.GetLastResponseBody())
		}
		tc.Close()
		return c, nil
	})
}
