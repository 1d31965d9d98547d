//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"github.com/google/wire"

	"github.com/flowcircuits/firestate/internal/core/observability/log"
	"github.com/flowcircuits/firestate/internal/core/session"
)

func ProvideLogger() *log.Logger {
	wire.Build(log.Provide)
	return log.New(log.LevelDebug)
}

func ProvideSession() *session.Session {
	wire.Build(log.Provide, wire.Bind(new(log.Log), new(*log.Logger)), session.New)
	return nil
}
