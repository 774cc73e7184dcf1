package api

import "encoding/json"

// Orchestrator is the transport-agnostic core the HTTP layer drives:
// cmd/strategyrt wires a concrete
// implementation over the registry, execution channel, and durable store
// so this package never imports the individual strategy-kind packages.
type Orchestrator interface {
	StartTWAP(subAccountID string, body json.RawMessage) (strategyID string, err error)
	StartBasket(subAccountID string, body json.RawMessage) (strategyID string, err error)
	StartTrailStop(subAccountID string, body json.RawMessage) (strategyID string, err error)
	StartChase(subAccountID string, body json.RawMessage) (strategyID string, err error)
	StartScalper(subAccountID string, body json.RawMessage) (strategyID string, err error)
	StartAgent(subAccountID string, body json.RawMessage) (strategyID string, err error)

	Stop(kind, id string, close bool) error
	Active(kind, subAccountID string) ([]StrategySnapshot, error)
	Get(kind, id string) (StrategySnapshot, bool, error)

	ExecutionReady() bool
	ActiveCountsByKind() map[string]int
}
