package models

import "errors"

var (
	// ErrTransientProvider is a provider failure that may succeed on retry.
	ErrTransientProvider = errors.New("transient provider error")
	// ErrCircuitOpen is returned without contacting a provider whose breaker is open.
	ErrCircuitOpen = errors.New("provider circuit open")
	// ErrMalformedDecision is an agent decision naming an unknown tool or carrying invalid arguments.
	ErrMalformedDecision = errors.New("malformed decision")
	// ErrBackendUnavailable is a reasoning backend transport failure.
	ErrBackendUnavailable = errors.New("reasoning backend unavailable")
	// ErrFatalInfrastructure is an unrecoverable persistence failure.
	ErrFatalInfrastructure = errors.New("fatal infrastructure error")
	// ErrDeliveryFailed means a report could not be delivered after all attempts.
	ErrDeliveryFailed = errors.New("report delivery failed")
	// ErrMutatingTool rejects catalog entries that can change infrastructure.
	ErrMutatingTool = errors.New("mutating tool rejected")
	// ErrUnknownTool is a call for a tool absent from the provider catalog.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrUnknownProvider is a call routed to a provider that is not registered.
	ErrUnknownProvider = errors.New("unknown provider")

	ErrNoActiveRun       = errors.New("no active run for incident")
	ErrRunNotFound       = errors.New("run not found")
	ErrIncidentNotFound  = errors.New("incident not found")
	ErrInvalidTransition = errors.New("invalid run state transition")
)
