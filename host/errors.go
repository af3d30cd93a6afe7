// Package host drives registered modules through the lifecycle: ordering,
// phase execution, REST/gRPC composition, and out-of-process spawning.
package host

import "fmt"

// Phase names one step of the lifecycle.
type Phase string

// The lifecycle phases, in execution order.
const (
	PhasePreInit      Phase = "pre_init"
	PhaseDBMigrate    Phase = "db_migrate"
	PhaseInit         Phase = "init"
	PhasePostInit     Phase = "post_init"
	PhaseRest         Phase = "rest"
	PhaseGrpcRegister Phase = "grpc_register"
	PhaseStart        Phase = "start"
	PhaseOopSpawn     Phase = "oop_spawn"
	PhaseStop         Phase = "stop"
)

// PhaseError wraps a module hook failure with the module and phase it
// happened in. The first PhaseError aborts the remaining modules in its phase
// and every later phase; only the stop phase logs instead of propagating.
type PhaseError struct {
	Module string
	Phase  Phase
	Err    error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("module %q failed in phase %s: %v", e.Module, e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}
