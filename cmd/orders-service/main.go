package main

import (
	"context"

	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"

	appkg "github.com/novivan/SD-big-HW-3/internal/app"
)

func main() {
	app.Run(func(ctx context.Context, lg *zap.Logger, m *app.Telemetry) error {
		cfg, err := appkg.LoadConfig(appkg.ServiceOrders)
		if err != nil {
			return err
		}
		return appkg.RunOrders(ctx, lg, m, cfg)
	})
}
