package models

import (
	"encoding/json"
	"time"
)

// LifecycleState 定义了机器人生命周期的各个阶段。
type LifecycleState string

const (
	StateCreated  LifecycleState = "CREATED"
	StateStarting LifecycleState = "STARTING"
	StateRunning  LifecycleState = "RUNNING"
	StateStopping LifecycleState = "STOPPING"
	StateStopped  LifecycleState = "STOPPED"
	StateFailed   LifecycleState = "FAILED"
)

// legalTransitions is the full lifecycle transition graph. Restarts
// (Stopped/Failed back to Starting) are the only backward edges.
var legalTransitions = map[LifecycleState][]LifecycleState{
	StateCreated:  {StateStarting},
	StateStarting: {StateRunning, StateStopping, StateFailed},
	StateRunning:  {StateStopping, StateFailed},
	StateStopping: {StateStopped, StateFailed},
	StateStopped:  {StateStarting},
	StateFailed:   {StateStarting},
}

// CanTransition reports whether moving from one lifecycle state to another
// is a legal edge in the transition graph.
func CanTransition(from, to LifecycleState) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Bot is the authoritative record for a single strategy instance.
// It is owned by the registry; all mutations go through the orchestrator.
type Bot struct {
	ID                string             `json:"id"`
	Strategy          string             `json:"strategy"`
	StrategyVersion   string             `json:"strategy_version"`
	Params            map[string]float64 `json:"params,omitempty"`
	RiskLevel         int                `json:"risk_level"`
	CredentialProfile string             `json:"credential_profile"`
	AutoRestart       bool               `json:"auto_restart"`
	State             LifecycleState     `json:"state"`
	LastError         string             `json:"last_error,omitempty"`
	LastSequence      uint64             `json:"last_sequence"`
	CreatedAt         time.Time          `json:"created_at"`
	LastHeartbeat     time.Time          `json:"last_heartbeat"`
}

// Clone returns a deep copy safe for concurrent readers.
func (b *Bot) Clone() *Bot {
	cp := *b
	if b.Params != nil {
		cp.Params = make(map[string]float64, len(b.Params))
		for k, v := range b.Params {
			cp.Params[k] = v
		}
	}
	return &cp
}

// BotSpec 是创建机器人时由调用方提供的参数。
type BotSpec struct {
	ID                string             `json:"id" validate:"omitempty,max=64"`
	Strategy          string             `json:"strategy" validate:"required"`
	StrategyVersion   string             `json:"strategy_version" validate:"required"`
	Params            map[string]float64 `json:"params,omitempty"`
	RiskLevel         int                `json:"risk_level" validate:"gte=1,lte=10"`
	CredentialProfile string             `json:"credential_profile" validate:"required"`
	AutoRestart       bool               `json:"auto_restart"`
}

// CommandType enumerates the instructions a bot understands.
type CommandType string

const (
	CommandStart        CommandType = "start"
	CommandStop         CommandType = "stop"
	CommandUpdateParams CommandType = "update_params"
)

// Command is one instruction sent to a bot over the broker. Sequence is
// monotonically increasing per bot; the runner must ignore any command with
// a sequence number at or below the last one it applied.
type Command struct {
	BotID          string             `json:"bot_id"`
	Type           CommandType        `json:"type"`
	Sequence       uint64             `json:"sequence"`
	IdempotencyKey string             `json:"idempotency_key"`
	Params         map[string]float64 `json:"params,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
}

// StatusEvent is a heartbeat or state-change notification from a bot.
type StatusEvent struct {
	BotID     string         `json:"bot_id"`
	State     LifecycleState `json:"state"`
	Sequence  uint64         `json:"sequence"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// CommandTopic 返回发往指定机器人的命令主题。
func CommandTopic(botID string) string { return "bots/" + botID + "/cmd" }

// StatusTopic 返回指定机器人上报状态的主题。
func StatusTopic(botID string) string { return "bots/" + botID + "/status" }

// MarshalPayload encodes v for use as a broker envelope payload.
func MarshalPayload(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// UnmarshalPayload decodes a broker envelope payload into v.
func UnmarshalPayload(data json.RawMessage, v any) error {
	return json.Unmarshal(data, v)
}
