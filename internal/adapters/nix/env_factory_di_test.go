package nix_test

import (
	"testing"

	"go.trai.ch/e3/internal/adapters/nix"
	"go.trai.ch/e3/internal/core/ports/mocks"
	"go.uber.org/mock/gomock"
)

func TestNewEnvFactory_DefaultCache(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	resolver := mocks.NewMockDependencyResolver(ctrl)
	telem := mocks.NewMockTelemetry(ctrl)

	factory := nix.NewEnvFactory(resolver, telem)

	if factory == nil {
		t.Fatal("NewEnvFactory() returned nil")
	}

	// Verify it creates the same as NewEnvFactoryWithCache with default path
	expectedFactory := nix.NewEnvFactoryWithCache(resolver, telem, ".e3/cache/environments")

	// Both should be non-nil and of the same type
	if factory == nil || expectedFactory == nil {
		t.Error("NewEnvFactory() or NewEnvFactoryWithCache() returned nil")
	}
}
