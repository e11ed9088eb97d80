//go:build wireinject
// +build wireinject

package di

import (
	"IBLink/pkg/config"
	"IBLink/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		ProvideLogger,
		ProvideMetrics,

		// Terminal link
		ProvideTransport,
		ProvideSessionManager,
		ProvideRateGate,
		ProvideSupervisor,

		// Infrastructure sinks
		ProvideEventSink,
		ProvideClickHouseClient,
		ProvideAuditStore,
		ProvideSnapshotStore,

		// Boundary
		ProvideFacade,
		ProvideOpsHandler,

		// Application server
		ProvideApp,
	)
	return &server.App{}, nil
}
